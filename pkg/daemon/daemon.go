// Package daemon implements the flowpiped daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/api"
	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/dataplane"
	_ "github.com/psaab/flowpipe/pkg/dataplane/swdp" // registers the sw backend
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/grpcapi"
	"github.com/psaab/flowpipe/pkg/logging"
)

// DefaultConfigFile is read when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/flowpipe/flowpipe.conf"

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// Syslog, if set, receives the remote syslog clients of the config.
	Syslog *logging.SyslogHandler
}

// Daemon is the main flowpipe daemon.
type Daemon struct {
	opts Options
	tree *config.ConfigTree
	cfg  *config.Config
	rt   *Runtime
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	return &Daemon{opts: opts}
}

// loadConfig parses and compiles the configuration file.
func (d *Daemon) loadConfig() error {
	data, err := os.ReadFile(d.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	tree, err := config.Parse(string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", d.opts.ConfigFile, err)
	}
	cfg, err := config.CompileConfig(tree)
	if err != nil {
		return fmt.Errorf("compile %s: %w", d.opts.ConfigFile, err)
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
	d.tree, d.cfg = tree, cfg
	return nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) (err error) {
	slog.Info("starting flowpipe daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	if err := d.loadConfig(); err != nil {
		return err
	}
	cfg := d.cfg
	d.applySyslogConfig()

	drv, err := dataplane.NewDriver(cfg.System.DataplaneType)
	if err != nil {
		return err
	}
	b := &Builder{Driver: drv, Logger: slog.Default()}
	d.rt, err = b.Build(cfg)
	if err != nil {
		return multierr.Append(err, drv.Close())
	}
	defer func() {
		logFinalStats(d.rt.Engine)
		err = multierr.Append(err, d.rt.Close())
		if d.opts.Syslog != nil {
			d.opts.Syslog.Close()
		}
		slog.Info("shutdown complete")
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eventBuf := logging.NewEventBuffer(cfg.System.EventBufferSize)
	gc := d.newGC(eventBuf)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	run("aging", func(ctx context.Context) error {
		gc.Run(ctx)
		return nil
	})
	if cfg.API.HTTP != "" {
		srv := api.NewServer(api.Config{
			Addr:       cfg.API.HTTP,
			HTTPSAddr:  cfg.API.HTTPS,
			CertDir:    cfg.API.CertDir,
			Auth:       api.NewAuthConfig(cfg.API.APIKey, cfg.API.Users),
			Engine:     d.rt.Engine,
			EventBuf:   eventBuf,
			GC:         gc,
			ConfigTree: func() *config.ConfigTree { return d.tree },
		})
		run("HTTP API", srv.Run)
	}
	if cfg.API.GRPC != "" {
		srv := grpcapi.NewServer(cfg.API.GRPC, grpcapi.Config{
			Engine:   d.rt.Engine,
			EventBuf: eventBuf,
			GC:       gc,
			APIKey:   cfg.API.APIKey,
		})
		run("gRPC API", srv.Run)
	}

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("service failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()
	return runErr
}

// newGC builds the aging worker over every port queue, the session
// queues included. Completions it drains are published to eventBuf.
func (d *Daemon) newGC(eventBuf *logging.EventBuffer) *conntrack.GC {
	gcfg := conntrack.GCConfig{
		Interval:   config.DefaultAgingInterval,
		AutoRemove: true,
		Core:       -1,
		Logger:     slog.Default(),
	}
	if ct := d.cfg.CT; ct != nil {
		gcfg.Interval = ct.AgingInterval
		gcfg.AutoRemove = ct.AutoRemove
		gcfg.Core = ct.AgingCore
	}
	nq := d.rt.Queues
	if d.rt.CT != nil {
		first, n := d.rt.CT.Queues()
		nq = first + n
	}
	var targets []conntrack.Target
	portIDs := make(map[flow.PortHandle]uint16, len(d.rt.Ports))
	for id, ph := range d.rt.Ports {
		portIDs[ph] = id
		for q := range nq {
			targets = append(targets, conntrack.Target{Port: ph, Queue: q})
		}
	}
	gcfg.OnCompletion = completionRecorder(eventBuf, portIDs, time.Now)
	return conntrack.NewGC(d.rt.Engine, gcfg, targets...)
}

// completionRecorder publishes completions to eventBuf and logs failures.
// The pipe name of static entries travels in the entry's user context.
func completionRecorder(eventBuf *logging.EventBuffer, portIDs map[flow.PortHandle]uint16,
	now func() time.Time) func(conntrack.Target, flow.Completion) {
	return func(t conntrack.Target, c flow.Completion) {
		pipe, _ := c.UserCtx.(string)
		rec := logging.RecordFromCompletion(portIDs[t.Port], pipe, c, now())
		eventBuf.Add(rec)
		if c.Status == flow.StatusError {
			slog.Warn("entry operation failed",
				"port", rec.Port, "op", rec.Op, "entry", rec.Entry, "pipe", pipe, "err", c.Err)
		}
	}
}

// applySyslogConfig constructs syslog clients from the config and hands
// them to the syslog log handler.
func (d *Daemon) applySyslogConfig() {
	if d.opts.Syslog == nil || len(d.cfg.System.Syslog) == 0 {
		return
	}
	var clients []*logging.SyslogClient
	for _, sc := range d.cfg.System.Syslog {
		client, err := logging.NewSyslogClient(sc.Host, "flowpiped", logging.ParseFacility(sc.Facility))
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sc.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(sc.Severity)
		slog.Info("syslog destination configured", "host", sc.Host, "facility", sc.Facility)
		clients = append(clients, client)
	}
	d.opts.Syslog.SetClients(clients)
}

// logFinalStats logs per-pipe operation totals before shutdown.
func logFinalStats(e *flow.Engine) {
	for _, p := range e.Ports() {
		pipes, err := e.Pipes(p.Handle)
		if err != nil {
			continue
		}
		for _, pi := range pipes {
			slog.Info("final pipe statistics",
				"port", p.ID,
				"pipe", pi.Name,
				"entries", pi.Entries,
				"added", pi.Added,
				"removed", pi.Removed,
				"failed", pi.Failed,
				"aged", pi.Aged)
		}
	}
}
