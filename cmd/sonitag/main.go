// Command sonitag is the entry point for the sonitag music analysis service.
// It provides the HTTP server, the offline index builders and a few
// inspection commands (via Cobra).
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/sonitag/cmd/sonitag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
