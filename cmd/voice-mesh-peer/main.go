// Command voice-mesh-peer joins a voice room as a headless participant.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	root.SilenceErrors = true
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
