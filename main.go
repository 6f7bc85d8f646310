// The main package for the fetchguard executable.
package main

import (
	"github.com/JakeFAU/fetchguard/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
