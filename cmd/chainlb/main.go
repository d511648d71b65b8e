// Command chainlb runs the blockchain JSON-RPC reverse-proxy load
// balancer.
package main

import (
	"fmt"
	"os"

	"github.com/Polqt/chainlb/internal/cmd"
)

func main() {
	if err := cmd.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "chainlb:", err)
		os.Exit(1)
	}
}
