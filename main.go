// Package main is the entry point for the mcproxy multicast proxy daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/mcproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
