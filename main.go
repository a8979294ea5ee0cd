// The main package for the legalingest executable.
package main

import (
	"github.com/JakeFAU/legal-corpus-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
