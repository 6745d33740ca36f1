// Command caremind is the entry point for the CareMind clinical assistant.
// It provides a CLI interface (via Cobra) and an HTTP server exposing the
// tenant-scoped query and record refresh API.
package main

import (
	"fmt"
	"os"

	"github.com/caremind/caremind-go/cmd/caremind/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
