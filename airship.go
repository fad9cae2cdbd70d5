// Package airship scales a fleet of machines with the traffic they receive.
// Agents on each machine report packet counts; the controller stops idle
// machines and starts stopped ones when load calls for it.
package airship

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/airship/internal/agent"
	"github.com/loykin/airship/internal/capture"
	"github.com/loykin/airship/internal/config"
	"github.com/loykin/airship/internal/controller"
	"github.com/loykin/airship/internal/history"
	"github.com/loykin/airship/internal/history/factory"
	"github.com/loykin/airship/internal/lifecycle"
	"github.com/loykin/airship/internal/logger"
	"github.com/loykin/airship/internal/machine"
	"github.com/loykin/airship/internal/metrics"
	"github.com/loykin/airship/internal/registry"
	"github.com/loykin/airship/internal/server"
	itls "github.com/loykin/airship/internal/tls"
	"github.com/loykin/airship/pkg/client"
)

// Re-export core types for external consumers.

type Config = config.Config

type MachineConfig = machine.Config

type Decision = controller.Decision

// LifecycleClient starts, stops and suspends machines at the provider.
type LifecycleClient = lifecycle.Client

type Agent = agent.Agent

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the process logger from the [log] section.
func NewLogger(cfg *Config) (*slog.Logger, io.Closer, error) { return logger.New(cfg.Log) }

const shutdownTimeout = 10 * time.Second

// Service is the controller process: registry, scan loop, HTTP API and
// history export.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	reg      *registry.Registry
	ctl      *controller.Controller
	recorder *history.Recorder
	handler  http.Handler
}

type serviceOptions struct {
	client LifecycleClient
	clock  func() time.Time
}

type ServiceOption func(*serviceOptions)

// WithLifecycleClient replaces the provider built from [provider].
func WithLifecycleClient(c LifecycleClient) ServiceOption {
	return func(o *serviceOptions) { o.client = c }
}

// WithClock sets the time source for the registry and the controller.
func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) { o.clock = now }
}

// NewService validates cfg and wires the controller. Nothing listens until Run.
func NewService(cfg *Config, log *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	var o serviceOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		if err := cfg.ValidateServer(); err != nil {
			return nil, err
		}
	} else if cfg.Server.Listen == "" {
		return nil, fmt.Errorf("%w: server.listen", config.ErrConfigMissing)
	}
	if err := controller.ValidateSchedule(cfg.Autoscale.Schedule); err != nil {
		return nil, err
	}

	lc := o.client
	if lc == nil {
		var err error
		if lc, err = newLifecycleClient(cfg.Provider, log); err != nil {
			return nil, err
		}
	}

	sinks := make([]history.Sink, 0, len(cfg.History.DSNs))
	for _, dsn := range cfg.History.DSNs {
		s, err := factory.NewSinkFromDSN(dsn, log)
		if err != nil {
			_ = history.NewRecorder(log, sinks...).Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	recorder := history.NewRecorder(log.With("component", "history"), sinks...)

	var regOpts []registry.Option
	ctlOpts := []controller.Option{
		controller.WithPPSPerMachine(cfg.Autoscale.PPSPerMachine),
		controller.WithSchedule(cfg.Autoscale.Schedule),
		controller.WithLogger(log.With("component", "controller")),
		controller.WithRecorder(recorder),
	}
	if o.clock != nil {
		regOpts = append(regOpts, registry.WithClock(o.clock))
		ctlOpts = append(ctlOpts, controller.WithClock(o.clock))
	}
	reg := registry.New(regOpts...)
	ctl := controller.New(reg, lc, ctlOpts...)

	router, err := server.NewRouter(reg, ctl, server.Options{
		BasePath:      cfg.Server.BasePath,
		AllowNetworks: cfg.Server.AllowNetworks,
		Recorder:      recorder,
		Logger:        log.With("component", "api"),
	})
	if err != nil {
		_ = recorder.Close()
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		logger:   log,
		reg:      reg,
		ctl:      ctl,
		recorder: recorder,
		handler:  router.Handler(),
	}, nil
}

func newLifecycleClient(p config.ProviderConfig, log *slog.Logger) (LifecycleClient, error) {
	switch p.Type {
	case config.ProviderFly:
		return lifecycle.NewFly(lifecycle.FlyConfig{
			BaseURL: p.BaseURL,
			AppName: p.AppName,
			Token:   p.Token,
			Timeout: p.Timeout,
			Logger:  log.With("component", "fly"),
		})
	case config.ProviderDryRun:
		log.Warn("dry-run provider: lifecycle calls are logged, not executed")
		return lifecycle.DryRun{Logger: log.With("component", "dryrun")}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

// Handler is the controller HTTP API.
func (s *Service) Handler() http.Handler { return s.handler }

// ScanOnce runs one scan cycle outside the schedule.
func (s *Service) ScanOnce(ctx context.Context) Decision { return s.ctl.ScanOnce(ctx) }

// Wait blocks until all dispatched lifecycle calls have returned.
func (s *Service) Wait() { s.ctl.Wait() }

// Machines returns the registry contents in registration order.
func (s *Service) Machines() []machine.Record { return s.reg.Snapshot() }

// Run serves the API and runs the scan loop until ctx is done, then shuts
// down gracefully and closes the history sinks.
func (s *Service) Run(ctx context.Context) error {
	tlsConfig, err := itls.SetupTLS(s.cfg.Server.TLS)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if s.cfg.Metrics.Listen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metricsSrv = newMetricsServer(s.cfg.Metrics.Listen)
		mln, err := net.Listen("tcp", metricsSrv.Addr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", metricsSrv.Addr, err)
		}
		go func() {
			if err := metricsSrv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics server started", "addr", mln.Addr().String())
	}

	srv := server.NewServer(s.cfg.Server.Listen, s.handler, tlsConfig)
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		closeServer(metricsSrv)
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	ctlDone := make(chan error, 1)
	go func() { ctlDone <- s.ctl.Run(runCtx) }()

	protocol := "HTTP"
	if tlsConfig != nil {
		protocol = "HTTPS"
	}
	serveErr := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			serveErr <- srv.ServeTLS(ln, "", "")
			return
		}
		serveErr <- srv.Serve(ln)
	}()
	s.logger.Info("airship controller listening", "protocol", protocol, "addr", ln.Addr().String(), "base_path", s.cfg.Server.BasePath)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown", "error", err)
	}
	closeServer(metricsSrv)
	stop()
	<-ctlDone
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("close history sinks", "error", err)
	}
	return runErr
}

// Close flushes and closes the history sinks without running the service.
func (s *Service) Close() error { return s.recorder.Close() }

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func closeServer(s *http.Server) {
	if s != nil {
		_ = s.Close()
	}
}

// NewAgent validates the [agent] section and builds a reporting agent.
func NewAgent(cfg *Config, log *slog.Logger) (*Agent, error) {
	if err := cfg.ValidateAgent(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	a := cfg.Agent

	cc := client.Config{BaseURL: a.ServerURL, Timeout: a.Timeout, Logger: log.With("component", "client")}
	if a.CACert != "" || a.InsecureSkipVerify {
		cc.TLS = &client.TLSClientConfig{CACert: a.CACert, SkipVerify: a.InsecureSkipVerify}
	}
	api, err := client.New(cc)
	if err != nil {
		return nil, err
	}

	src, err := capture.New(capture.Options{Kind: a.Source, Interface: a.Interface, Logger: log})
	if err != nil {
		return nil, err
	}

	return agent.New(api, src, agent.Options{
		MachineID: a.MachineID,
		Machine:   a.Machine,
		Interval:  a.ReportInterval,
		Timeout:   a.Timeout,
		Logger:    log,
	}), nil
}
