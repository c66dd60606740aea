package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/config"
)

// NewRootCommand returns the portal-bypass command.
func NewRootCommand() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "portal-bypass <portal-url>",
		Short: "Accept a captive portal's terms and verify internet access",
		Long: `portal-bypass opens a captive portal page in an automated browser, ticks the
consent checkboxes, presses the connect button and then checks that the
internet is reachable. It exits 0 on verified success and 1 otherwise.`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			e, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer e.app.Close()

			if out := e.app.Bypass(context.Background(), args[0]); !out.Succeeded {
				return ErrBypassFailed
			}
			return nil
		},
	}
	o.bind(cmd)
	cmd.AddCommand(newWatchCommand(o))
	return cmd
}

func newWatchCommand(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [portal-url]",
		Short: "Bypass the portal now and again on the configured schedule",
		Long: `watch runs a bypass immediately and then on [watch] schedule until
interrupted. SIGHUP reloads the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			e, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer e.app.Close()

			portalURL := e.cfg.Watch.PortalURL
			if len(args) == 1 {
				portalURL = args[0]
			}
			if portalURL == "" {
				return errors.New("no portal url: pass one or set [watch] portal_url")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go o.reloadOn(ctx, hup, cmd, e.app, e.logger)

			return e.app.Watch(ctx, portalURL)
		},
	}
}

type reloader interface {
	ReloadConfig(cfg *config.Config) error
	WatchSchedule() string
}

// reloadOn re-reads the config file every time hup fires until ctx is done.
func (o *globalOptions) reloadOn(ctx context.Context, hup <-chan os.Signal, cmd *cobra.Command, a reloader, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, _, err := o.loadConfig(cmd)
			if err == nil {
				err = a.ReloadConfig(cfg)
			}
			if err != nil {
				logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			logger.Info("watching", zap.String("schedule", a.WatchSchedule()))
		}
	}
}
