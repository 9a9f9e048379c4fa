package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/hausgrid/sprinklerd/internal/api"
	"github.com/hausgrid/sprinklerd/internal/clock"
	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/control"
	"github.com/hausgrid/sprinklerd/internal/depot"
	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/feed"
	"github.com/hausgrid/sprinklerd/internal/index"
	"github.com/hausgrid/sprinklerd/internal/interval"
	"github.com/hausgrid/sprinklerd/internal/portal"
	"github.com/hausgrid/sprinklerd/internal/program"
	"github.com/hausgrid/sprinklerd/internal/schedule"
	"github.com/hausgrid/sprinklerd/internal/season"
	"github.com/hausgrid/sprinklerd/internal/state"
	"github.com/hausgrid/sprinklerd/internal/zone"
)

// Options carries the command line overrides.
type Options struct {
	ServiceConfig string
	ConfigPath    string
	BackupPath    string
	UseLocal      *bool
	Debug         bool
	SimSpeed      int
	SimDelta      string
	Host          string
	Port          int
}

// Daemon is the sprinkler runtime. It wires the engine components together
// and drives them from a single one hertz tick.
type Daemon struct {
	Config Config

	Clock     *clock.Clock
	Events    *events.Recorder
	Store     *config.Store
	State     *state.Manager
	Discovery *discovery.Registry
	Depot     *depot.Client
	Portal    *portal.Client
	Control   *control.Client
	Feeds     *feed.Chains
	Zones     *zone.Queue
	Seasons   *season.Table
	Intervals *interval.Table
	Index     *index.Service
	Programs  *program.Set
	Schedule  *schedule.Scheduler
	Server    *api.Server

	host   string
	logFd  *os.File
	cancel context.CancelFunc

	// refreshMu serializes configuration refreshes against the tick.
	refreshMu sync.Mutex
}

// New creates and wires a daemon.
func New(opts Options) (*Daemon, error) {
	cfg, err := LoadServiceConfig(opts.ServiceConfig)
	if err != nil {
		return nil, err
	}
	if opts.Host != "" {
		cfg.HTTP.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.HTTP.Port = opts.Port
	}
	if opts.ConfigPath != "" {
		cfg.Storage.Config = opts.ConfigPath
	}
	if opts.BackupPath != "" {
		cfg.Storage.Backup = opts.BackupPath
	}
	if opts.UseLocal != nil {
		cfg.Storage.UseLocal = *opts.UseLocal
	}
	if opts.Debug {
		cfg.Logging.Debug = true
	}

	d := &Daemon{Config: cfg}

	logOut := os.Stderr
	if cfg.Logging.File != "" {
		fd, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			d.logFd = fd
			logOut = fd
		}
	}
	d.Events = events.New(logOut, cfg.Logging.Debug)

	d.Clock = clock.New()
	if opts.SimSpeed > 0 {
		if err := d.Clock.SetSpeed(opts.SimSpeed); err != nil {
			return nil, err
		}
	}
	if opts.SimDelta != "" {
		delta, err := clock.ParseDelta(opts.SimDelta)
		if err != nil {
			return nil, err
		}
		d.Clock.SetDelta(delta)
	}

	d.host, _ = os.Hostname()
	if d.host == "" {
		d.host = "sprinkler"
	}

	portals := cfg.Discovery.Portals
	if len(portals) == 0 {
		portals = cfg.Portal.Servers
	}
	d.Discovery = discovery.New(portals, cfg.Discovery.Static, d.Events)
	d.Depot = depot.New(d.Discovery, d.Events)
	d.Portal = portal.New(cfg.Portal.Servers, cfg.HTTP.Port, d.Events)

	d.Store = config.New(cfg.Storage.Config, "", cfg.Storage.UseLocal, d.Events)
	if err := d.Store.Load(); err != nil {
		// The daemon still starts: an empty configuration serves and
		// accepts a POSTed one.
		d.Events.Trace("CONFIG", "%v", err)
	}

	d.State = state.New(cfg.Storage.Backup, "", cfg.Storage.UseLocal, d.host, d.Depot, d.Events)

	d.Control = control.New(d.Discovery, d.Events)
	d.Feeds = feed.New(d.Control, d.Events)
	d.Zones = zone.New(d.Control, d.Feeds, d.Events)
	d.Seasons = season.New(d.Events)
	d.Intervals = interval.New(d.Events)
	d.Index = index.New(d.Discovery, d.Events)
	d.Programs = program.New(d.Zones, d.Seasons, d.Index, d.State, d.Events)
	d.Schedule = schedule.New(d.Programs, d.Intervals, d.Index, d.State, d.Events)

	d.State.Load()
	d.Refresh()

	d.Server = api.NewServer(api.Options{
		Host:    d.host,
		Config:  d.Store,
		Zones:   d.Zones,
		Progs:   d.Programs,
		Sched:   d.Schedule,
		Control: d.Control,
		Index:   d.Index,
		Portal:  d.Portal,
		Clock:   d.Clock,
		Events:  d.Events,
		Refresh: d.Refresh,
		Rescan:  d.Rescan,
	})
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	if cfg.Storage.WebRoot != "" {
		d.Server.SetStaticDir(cfg.Storage.WebRoot)
	}

	d.Events.Event("SERVICE", "sprinkler", "STARTED", "ON %s", d.host)
	return d, nil
}

// Refresh rebuilds every component table from the current configuration.
// Called at startup, after a configuration POST and after an external edit
// of the configuration file.
func (d *Daemon) Refresh() {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	d.Control.Reset()
	d.Zones.Refresh(d.Store)
	d.Feeds.Refresh(d.Store)
	d.Seasons.Refresh(d.Store)
	d.Intervals.Refresh(d.Store)
	d.Index.Refresh(d.Store)
	d.Programs.Refresh(d.Store)
	d.Schedule.Refresh(d.Store)
	d.Rescan()
}

// Rescan forces the next discovery round to run immediately.
func (d *Daemon) Rescan() {
	d.Discovery.Force()
	d.Control.ForceScan()
}

// tick runs one engine step. Order matters: control expiry first, then the
// zone queue, then program completion, then the schedule evaluation.
func (d *Daemon) tick(now time.Time) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	d.Discovery.Periodic(now)
	d.Depot.Periodic(now)
	d.Portal.Periodic(now)

	d.Control.Periodic(now)
	d.Zones.Periodic(now)
	d.Programs.Periodic(now)
	d.Schedule.Periodic(d.Clock.Scheduling(now))

	d.Index.Periodic(now)
	d.State.Periodic(now)
}

// Serve starts the HTTP server and the engine tick, blocking until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	addr := fmt.Sprintf("%s:%d", d.Config.HTTP.Host, d.Config.HTTP.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				d.tick(now)
			}
		}
	})

	group.Go(func() error {
		d.watchConfig(ctx)
		return nil
	})

	group.Go(func() error {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	fmt.Printf("sprinklerd serving on http://%s\n", addr)
	err := group.Wait()
	d.Close()
	return err
}

// watchConfig reloads the watering configuration when the file is edited
// outside the HTTP surface.
func (d *Daemon) watchConfig(ctx context.Context) {
	path := d.Store.Path()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.Events.Trace("CONFIG", "watch: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		d.Events.Trace("CONFIG", "watch %s: %v", path, err)
		return
	}
	base := filepath.Base(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Store.Load(); err != nil {
				d.Events.Trace("CONFIG", "reload: %v", err)
				continue
			}
			d.Refresh()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.Events.Trace("CONFIG", "watch: %v", err)
		}
	}
}

// Close releases the daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.logFd != nil {
		d.logFd.Close()
	}
}
