package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dotside-studios/handheld-agent/buildinfo"
	"github.com/dotside-studios/handheld-agent/certs"
	"github.com/dotside-studios/handheld-agent/config"
	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/dotside-studios/handheld-agent/handheld/chainway"
	"github.com/dotside-studios/handheld-agent/handheld/csl"
	"github.com/dotside-studios/handheld-agent/location"
	"github.com/dotside-studios/handheld-agent/metrics"
	"github.com/dotside-studios/handheld-agent/natsbridge"
	"github.com/dotside-studios/handheld-agent/server"
	"github.com/dotside-studios/handheld-agent/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// errNoSDK is returned when no vendor SDK binding is available.
var errNoSDK = errors.New("no vendor SDK bindings are linked into this build; run with --simulate")

// SDKs carries the vendor SDK bindings handed to the backends. A nil field
// leaves that backend out.
type SDKs struct {
	CSL      csl.Reader
	Chainway chainway.SDK
}

// SimulatedSDKs returns simulators for both reader families, each advertising
// one device with a few tags in range.
func SimulatedSDKs() SDKs {
	cs := csl.NewSimulator(csl.Peripheral{Name: "CS108Reader0A1B2C", Address: "SIM-CS108-01"})
	cs.SetTags(
		csl.Tag{EPC: "E28011606000020D6A4C1B2F", RSSI: -51, PC: 0x3000},
		csl.Tag{EPC: "E28011606000020D6A4C1B30", RSSI: -63, PC: 0x3000},
	)
	cs.SetBarcodes("9780201379624")

	r6 := chainway.NewSimulator("R6-01")
	r6.AddTag("E2001234", -42)
	r6.AddTag("E2005678", -58)
	r6.SetBarcodes("4006381333931")
	return SDKs{CSL: cs, Chainway: r6}
}

// Agent wires the reader service to persistence, the location source,
// metrics, the NATS bridge and the control server.
type Agent struct {
	cfg *config.Config
	log zerolog.Logger

	Service *handheld.Service
	Server  *server.Server

	store  *store.SQLiteStore
	bridge *natsbridge.Publisher

	stopOnce sync.Once
}

// NewAgent builds every component from cfg. Readers and the network are not
// touched until Run; a TLS certificate is issued here when enabled.
func NewAgent(cfg *config.Config, sdks SDKs, logger zerolog.Logger) (*Agent, error) {
	a := &Agent{
		cfg: cfg,
		log: logger.With().Str("component", "agent").Logger(),
	}

	var backends []handheld.ReaderBackend
	if sdks.CSL != nil {
		backends = append(backends, csl.New(sdks.CSL, logger))
	}
	if sdks.Chainway != nil {
		backends = append(backends, chainway.New(sdks.Chainway, chainway.Options{NamePrefix: cfg.Chainway.NamePrefix}, logger))
	}
	if len(backends) == 0 {
		return nil, errNoSDK
	}

	opts := handheld.Options{
		Backends:   backends,
		Logger:     logger,
		AppVersion: buildinfo.Version,
		Config: handheld.Config{
			SettleWindow:       cfg.Service.SettleWindow,
			StopReadGrace:      cfg.Service.StopReadGrace,
			BatteryInterval:    cfg.Service.BatteryInterval,
			QueueSize:          cfg.Service.QueueSize,
			MailboxSize:        cfg.Service.MailboxSize,
			EventDrivenConnect: cfg.Service.EventDrivenConnect,
			IgnoreTrigger:      cfg.Service.IgnoreTrigger,
		},
	}

	if cfg.Store.Path != "" {
		if cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = st
		opts.Store = st
	}

	if cfg.Location.SerialPort != "" {
		opts.Location = location.NewSerial(cfg.Location.SerialPort, cfg.Location.Baud, logger)
	}

	a.Service = handheld.New(opts)

	srvCfg := server.Config{
		Port:           cfg.Server.Port,
		APISecret:      cfg.Server.Secret,
		Advertise:      cfg.Server.Advertise,
		ControlTimeout: cfg.Server.ControlTimeout,
	}
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := a.Service.AddSubscriber(metrics.NewRecorder(reg)); err != nil {
			a.close()
			return nil, fmt.Errorf("subscribe metrics recorder: %w", err)
		}
		srvCfg.Metrics = metrics.HTTPHandler(reg)
	}
	if cfg.Server.TLS {
		paths, err := certs.NewManager(config.DataDir(), logger).Ensure()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("prepare TLS certificate: %w", err)
		}
		srvCfg.CertFile, srvCfg.KeyFile, srvCfg.CAFile = paths.Cert, paths.Key, paths.CA
	}
	a.Server = server.New(srvCfg, a.Service, logger)
	return a, nil
}

// Run starts the service, connects the NATS bridge when configured and serves
// until ctx is cancelled or the server fails.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Stop()

	if err := a.Service.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	if a.cfg.NATS.URL != "" {
		bridge, err := natsbridge.Dial(natsbridge.Config{
			URL:           a.cfg.NATS.URL,
			SubjectPrefix: a.cfg.NATS.SubjectPrefix,
			Stream:        a.cfg.NATS.Stream,
		}, a.log)
		if err != nil {
			return err
		}
		a.bridge = bridge
		if err := a.Service.AddSubscriber(bridge); err != nil {
			return fmt.Errorf("subscribe NATS bridge: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	a.log.Info().
		Str("version", buildinfo.FullVersion()).
		Int("port", a.cfg.Server.Port).
		Bool("simulate", a.cfg.Simulate).
		Msg("Agent running")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts every component down. It is safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.log.Info().Msg("Stopping agent...")
		a.Server.Stop()
		a.Service.Stop()
		a.close()
		a.log.Info().Msg("Agent stopped successfully")
	})
}

func (a *Agent) close() {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close settings store")
		}
	}
}
