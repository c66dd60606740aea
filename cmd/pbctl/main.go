// Command pbctl is a dev CLI for portal-bypass maintenance and debugging tasks.
package main

import (
	"fmt"
	"os"

	"github.com/ibeckermayer/portalbypass/internal/cli"
)

func main() {
	if err := cli.NewCtlCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
