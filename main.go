// Command portal-bypass gets a device through a captive portal unattended.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ibeckermayer/portalbypass/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !errors.Is(err, cli.ErrBypassFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
