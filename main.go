// Package main provides a handheld RFID and barcode reader agent. It drives a
// CSL or Chainway reader through one service and exposes it to WebSocket
// clients, Prometheus and NATS.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dotside-studios/handheld-agent/buildinfo"
	"github.com/dotside-studios/handheld-agent/config"
	"github.com/dotside-studios/handheld-agent/store"
	"github.com/rs/zerolog"
)

// Globals are shared by every command.
type Globals struct {
	Config  string `short:"c" help:"Configuration file path (optional)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	JSON    bool   `help:"Log as JSON instead of console output"`

	logger zerolog.Logger
}

// CLI is the command line definition.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version and exit"`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the agent"`
	Init     InitCmd     `cmd:"" help:"Write an example configuration file"`
	Settings SettingsCmd `cmd:"" help:"List persisted settings"`
	Info     InfoCmd     `cmd:"" help:"Print build information"`
}

// AfterApply runs after flag parsing and sets up logging once.
func (c *CLI) AfterApply() error {
	c.logger = newLogger(os.Stderr, c.Verbose, c.JSON)
	return nil
}

func newLogger(w io.Writer, verbose, json bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// loadConfig loads the configuration and applies the log level it names
// unless --verbose was given.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Format == "json" && !g.JSON {
		g.logger = newLogger(os.Stderr, g.Verbose, true)
	}
	if !g.Verbose && cfg.Log.Level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err == nil {
			g.logger = g.logger.Level(lvl)
		}
	}
	return cfg, nil
}

// ServeCmd runs the agent until interrupted.
type ServeCmd struct {
	Port      int    `short:"p" help:"Port to listen on (overrides config)"`
	APISecret string `name:"api-secret" help:"API secret required from WebSocket clients (overrides config)"`
	Simulate  bool   `help:"Use simulated readers instead of vendor SDKs"`
	NoMDNS    bool   `name:"no-mdns" help:"Do not advertise the agent over mDNS"`
	TLS       bool   `help:"Serve https/wss with a locally trusted certificate"`
}

func (s *ServeCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	s.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if buildinfo.IsDev() {
		g.logger.Debug().Msg("Running a development build")
	}

	var sdks SDKs
	if cfg.Simulate {
		g.logger.Warn().Msg("Simulated readers enabled")
		sdks = SimulatedSDKs()
	}

	agent, err := NewAgent(cfg, sdks, g.logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return agent.Run(ctx)
}

// apply lets flags override the loaded configuration.
func (s *ServeCmd) apply(cfg *config.Config) {
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}
	if s.APISecret != "" {
		cfg.Server.Secret = s.APISecret
	}
	if s.Simulate {
		cfg.Simulate = true
	}
	if s.NoMDNS {
		cfg.Server.Advertise = false
	}
	if s.TLS {
		cfg.Server.TLS = true
	}
}

// InitCmd writes an example configuration.
type InitCmd struct {
	Path  string `arg:"" optional:"" default:"handheld-agent.yaml" help:"Where to write the file"`
	Force bool   `help:"Overwrite an existing file"`
}

func (c *InitCmd) Run(g *Globals) error {
	if err := config.WriteExample(c.Path, c.Force); err != nil {
		return err
	}
	g.logger.Info().Str("path", c.Path).Msg("Configuration written")
	return nil
}

// SettingsCmd prints the key/value pairs in the settings store.
type SettingsCmd struct {
	out io.Writer
}

func (c *SettingsCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no settings store configured")
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keys, err := st.Keys(ctx)
	if err != nil {
		return err
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "(no settings stored)")
		return nil
	}
	for _, k := range keys {
		v, _, err := st.Get(k)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %s\n", k, v)
	}
	return nil
}

// InfoCmd prints build information.
type InfoCmd struct{}

func (InfoCmd) Run() error {
	fmt.Println(buildinfo.BuildInfo())
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name(buildinfo.Name),
		kong.Description(buildinfo.Description),
		kong.UsageOnError(),
		kong.Vars{"version": buildinfo.FullVersion()},
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		cli.logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
