package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/app"
	"github.com/ibeckermayer/portalbypass/internal/backend/formbackend"
	"github.com/ibeckermayer/portalbypass/internal/backend/pwbackend"
	"github.com/ibeckermayer/portalbypass/internal/config"
	"github.com/ibeckermayer/portalbypass/internal/engine"
)

// NewCtlCommand returns the pbctl maintenance and debugging command.
func NewCtlCommand() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "pbctl",
		Short:         "Maintenance and debugging for portal-bypass",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	o.bind(cmd)
	cmd.AddCommand(
		newProbeCommand(o),
		newHistoryCommand(o),
		newShowCommand(o),
		newOpenCommand(),
		newInstallCommand(),
	)
	return cmd
}

func newProbeCommand(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <portal-url>",
		Short: "Show which keywords match on a portal without clicking anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer e.app.Close()

			res, err := e.app.Probe(context.Background(), args[0])
			if err != nil {
				return err
			}
			if res.Navigation != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "navigation: %v\n\n", res.Navigation)
			}
			return printLookups(cmd, res.Lookups)
		},
	}
}

func printLookups(cmd *cobra.Command, lookups []engine.Lookup) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tKEYWORD\tOUTCOME\tMATCHES\tERROR")
	for _, l := range lookups {
		errText := ""
		if l.Err != nil {
			errText = l.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", l.Category, l.Keyword, l.Outcome, l.Matches, errText)
	}
	return w.Flush()
}

func newHistoryCommand(o *globalOptions) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent bypass runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer e.app.Close()

			runs, err := e.app.History(context.Background(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tRESULT\tENDED IN\tBACKEND\tTOOK\tCHECKBOXES\tBUTTON\tURL")
			for _, r := range runs {
				result := "failure"
				if r.Succeeded {
					result = "success"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), result, r.EndedIn, r.Backend,
					r.Duration.Round(100*time.Millisecond), r.CheckboxClicks, r.ButtonKeyword, r.PortalURL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}

// newShowCommand opens a portal in a visible browser with the bypass
// browser settings, to see what the automation sees.
func newShowCommand(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <portal-url>",
		Short: "Open a portal in a visible browser window and wait for Enter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.headful = true
			e, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer e.app.Close()

			name := e.cfg.Browser.Backend
			if name == formbackend.Name {
				return fmt.Errorf("the %s backend has no window to show", name)
			}

			b, err := app.NewBackend(name, e.cfg.Browser.Options(), e.logger.Named(name))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Open(context.Background(), args[0]); err != nil {
				e.logger.Warn("portal did not load cleanly", zap.Error(err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Press Enter to close the browser...")
			_, err = bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		},
	}
}

func newOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "open config|data",
		Short:     "Open the config file or the data directory with the system handler",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"config", "data"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := openTarget(args[0])
			if err != nil {
				return fmt.Errorf("failed to get path: %w", err)
			}
			if err := browser.OpenFile(path); err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			return nil
		},
	}
}

// openTarget resolves an open target to a path that exists.
func openTarget(target string) (string, error) {
	switch target {
	case "config":
		path, err := config.ConfigPath()
		if err != nil {
			return "", err
		}
		if _, _, err := config.LoadOrInit(path); err != nil {
			return "", err
		}
		return path, nil
	case "data":
		dir, err := config.DataDir()
		if err != nil {
			return "", err
		}
		return dir, os.MkdirAll(dir, 0700)
	default:
		return "", fmt.Errorf("unknown target %q", target)
	}
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install-playwright",
		Short: "Download the Playwright driver and Chromium for the playwright backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pwbackend.Install()
		},
	}
}
