// The main package for the actions-crawler executable.
package main

import (
	"github.com/xhyumiracle/thorchain-crosschain-data/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
