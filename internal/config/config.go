package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/keywords"
	"github.com/ibeckermayer/portalbypass/internal/verify"
)

const appName = "portal-bypass"

// Backends lists the valid values of browser.backend.
var Backends = []string{"chromedp", "rod", "playwright", "form"}

// Config holds all application configuration
type Config struct {
	Version  int            `toml:"version"`
	Browser  BrowserConfig  `toml:"browser"`
	Timing   TimingConfig   `toml:"timing"`
	Keywords keywords.Table `toml:"keywords"`
	Verify   VerifyConfig   `toml:"verify"`
	History  HistoryConfig  `toml:"history"`
	Watch    WatchConfig    `toml:"watch"`
	Log      LogConfig      `toml:"log"`
}

type BrowserConfig struct {
	Backend         string   `toml:"backend"`
	Headless        bool     `toml:"headless"`
	NoSandbox       bool     `toml:"no_sandbox"`
	UserAgent       string   `toml:"user_agent"`
	ExecPath        string   `toml:"exec_path"`
	PageLoadTimeout Duration `toml:"page_load_timeout"`
	ElementTimeout  Duration `toml:"element_timeout"`
}

type TimingConfig struct {
	PortalSettle Duration `toml:"portal_settle"`
	ClickSettle  Duration `toml:"click_settle"`
	SubmitSettle Duration `toml:"submit_settle"`
}

type VerifyConfig struct {
	URL string `toml:"url"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
	// Path defaults to history.db in the data directory.
	Path string `toml:"path"`
}

type WatchConfig struct {
	Schedule  string `toml:"schedule"`
	PortalURL string `toml:"portal_url"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	opts := backend.DefaultOptions()
	return &Config{
		Version: 1,
		Browser: BrowserConfig{
			Backend:         "chromedp",
			Headless:        opts.Headless,
			NoSandbox:       opts.NoSandbox,
			UserAgent:       opts.UserAgent,
			PageLoadTimeout: D(opts.PageLoadTimeout),
			ElementTimeout:  D(opts.ElementTimeout),
		},
		Timing: TimingConfig{
			PortalSettle: D(5 * time.Second),
			ClickSettle:  D(time.Second),
			SubmitSettle: D(10 * time.Second),
		},
		Keywords: keywords.Default(),
		Verify: VerifyConfig{
			URL: verify.DefaultURL,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Watch: WatchConfig{
			Schedule: "@every 5m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Options converts the browser section for backend constructors.
func (b BrowserConfig) Options() backend.Options {
	return backend.Options{
		Headless:        b.Headless,
		NoSandbox:       b.NoSandbox,
		UserAgent:       b.UserAgent,
		ExecPath:        b.ExecPath,
		PageLoadTimeout: b.PageLoadTimeout.Duration,
		ElementTimeout:  b.ElementTimeout.Duration,
	}
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(Backends, c.Browser.Backend) {
		errs = append(errs, fmt.Errorf("browser.backend %q is not one of %s", c.Browser.Backend, strings.Join(Backends, ", ")))
	}
	if c.Browser.PageLoadTimeout.Duration <= 0 {
		errs = append(errs, errors.New("browser.page_load_timeout must be positive"))
	}
	if c.Browser.ElementTimeout.Duration <= 0 {
		errs = append(errs, errors.New("browser.element_timeout must be positive"))
	}
	for name, d := range map[string]Duration{
		"timing.portal_settle": c.Timing.PortalSettle,
		"timing.click_settle":  c.Timing.ClickSettle,
		"timing.submit_settle": c.Timing.SubmitSettle,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if err := c.Keywords.Normalize().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("keywords: %w", err))
	}
	if c.Verify.URL == "" {
		errs = append(errs, errors.New("verify.url is empty"))
	}

	return errors.Join(errs...)
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the directory holding the run history.
func DataDir() (string, error) {
	dataDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, appName), nil
}

// HistoryPath returns the configured history database path.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// LoadFile reads config from path. Keys missing from the file keep their
// defaults; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// LoadOrInit loads path, writing the defaults there first if the file does
// not exist. An empty path means the default location. created reports
// whether the file was written.
//
// When the defaults are in use but could not be written, or when there is
// no default location at all, cfg is Default() and err says why.
func LoadOrInit(path string) (cfg *Config, created bool, err error) {
	if path == "" {
		if path, err = ConfigPath(); err != nil {
			return Default(), false, fmt.Errorf("no config location: %w", err)
		}
	}

	cfg, err = LoadFile(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}

	// First run - create default config
	cfg = Default()
	if err := cfg.SaveFile(path); err != nil {
		return cfg, false, fmt.Errorf("could not save default config: %w", err)
	}
	return cfg, true, nil
}

// SaveFile writes config to path, creating its directory.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
