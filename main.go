// The main package for the renderq executable.
package main

import (
	"github.com/renderq/renderq/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
