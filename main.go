// ./main.go
package main

import (
	"github.com/NTBlok/ai-financial-agent/cmd"
)

// main is the entry point for the brokerd daemon.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
