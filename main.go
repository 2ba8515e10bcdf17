// The main package for the scrape-relay executable.
package main

import (
	"github.com/JakeFAU/scrape-relay/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
