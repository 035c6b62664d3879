// The main package for the eventrelay executable.
package main

import (
	"github.com/inventahq/eventrelay/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
