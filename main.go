// The main package for the autoapply executable.
package main

import (
	"github.com/JakeFAU/autoapply/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
