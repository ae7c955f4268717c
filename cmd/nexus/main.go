// Package main provides the nexus CLI tool.
//
// Usage:
//
//	nexus [flags] <command> [args]
//
// Commands:
//
//	run      - Run a prompt under a strategy and print its lineage
//	status   - Probe the configured engines
//	lineage  - List, show, verify and export archived lineages
//	serve    - Serve the websocket API and metrics
//	config   - Configuration management
//	version  - Print version information
//
// Configuration:
//
//	The CLI stores configuration in ~/.nexus/nexus/
//	Use 'nexus config' commands to manage contexts.
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/nexus/cmd/nexus/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
