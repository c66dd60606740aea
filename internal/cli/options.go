// Package cli builds the portal-bypass and pbctl command trees.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/app"
	"github.com/ibeckermayer/portalbypass/internal/config"
	"github.com/ibeckermayer/portalbypass/internal/logging"
)

// ErrBypassFailed is returned by the root command when connectivity could
// not be verified. The run has already been logged, so main only sets the
// exit code for it.
var ErrBypassFailed = errors.New("bypass failed")

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	backend    string
	headful    bool
	logLevel   string
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "config file (default: <user config dir>/portal-bypass/config.toml)")
	f.StringVar(&o.backend, "backend", "", fmt.Sprintf("automation backend, one of %v", config.Backends))
	f.BoolVar(&o.headful, "headful", false, "show the browser window")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// loadConfig loads the config file, writing defaults on first run, and
// applies flag overrides.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	cfg, created, err := config.LoadOrInit(o.configPath)
	if err != nil && cfg == nil {
		return nil, false, err
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v (using defaults)\n", err)
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Browser.Backend = o.backend
	}
	if o.headful {
		cfg.Browser.Headless = false
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg, created, nil
}

// env is what a command needs to run.
type env struct {
	app    *app.App
	cfg    *config.Config
	logger *zap.Logger
}

// setup loads config and builds the logger and the app.
func (o *globalOptions) setup(cmd *cobra.Command, opts ...app.Option) (*env, error) {
	cfg, created, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if created {
		path := o.configPath
		if path == "" {
			path, _ = config.ConfigPath()
		}
		logger.Info("created default config", zap.String("path", path))
	}

	a, err := app.New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &env{app: a, cfg: cfg, logger: logger}, nil
}
