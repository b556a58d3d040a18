// Package main is the entry point for the mcp-registry-gateway command
package main

import (
	"fmt"
	"os"

	"github.com/giantswarm/mcp-registry-gateway/cmd/mcp-registry-gateway/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
