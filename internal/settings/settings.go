// Package settings holds the relay configuration and reconciles the desired
// relay state with the running relay.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"devtunnel-go/internal/relay"
)

// StoreKey is the key the configuration is cached under.
const StoreKey = "devTunnelSettings"

// Configuration is the persisted relay configuration. ActualPort is derived
// from the relay and is never taken from an update.
type Configuration struct {
	Version       int64 `json:"version"`
	Enabled       bool  `json:"enabled"`
	PreferredPort int   `json:"preferredPort"`
	ActualPort    int   `json:"actualPort"`
}

// Update is an incoming, version-stamped configuration change.
type Update struct {
	Version       int64 `json:"version"`
	Enabled       bool  `json:"enabled"`
	PreferredPort int   `json:"preferredPort"`
}

// Result describes what an Update did.
type Result struct {
	Applied  bool
	Stale    bool
	Reverted bool
	StartErr error
}

// Store is the key/value cache the configuration is persisted to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Relay is the part of the relay server the gate drives.
type Relay interface {
	Start(ctx context.Context, preferredPort int) error
	Stop(ctx context.Context) error
	Running() bool
	Port() int
}

// Observer receives a snapshot whenever the configuration or relay state changes.
type Observer interface {
	SettingsChanged(Configuration)
}

type Gate struct {
	store    Store
	relay    Relay
	notifier relay.Notifier
	log      *slog.Logger

	// updateMu makes updates run one at a time, side effects included.
	updateMu sync.Mutex

	mu        sync.RWMutex
	current   Configuration
	observers []Observer
}

// NewGate loads the stored configuration, falling back to defaults with
// preferredPort when none is stored.
func NewGate(ctx context.Context, store Store, r Relay, notifier relay.Notifier, logger *slog.Logger, preferredPort int) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = relay.LogNotifier{Logger: logger}
	}
	g := &Gate{
		store:    store,
		relay:    r,
		notifier: notifier,
		log:      logger.With("component", "settings"),
		current:  Configuration{Version: 1, PreferredPort: preferredPort},
	}
	raw, ok, err := store.Get(ctx, StoreKey)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if ok {
		var cfg Configuration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
		if cfg.Version < 1 {
			cfg.Version = 1
		}
		g.current = cfg
	}
	return g, nil
}

func (g *Gate) Subscribe(o Observer) {
	g.mu.Lock()
	g.observers = append(g.observers, o)
	g.mu.Unlock()
}

func (g *Gate) Current() Configuration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Update applies u only if its version is strictly greater than the stored
// version. Stale updates are discarded without error.
func (g *Gate) Update(ctx context.Context, u Update) (Result, error) {
	g.updateMu.Lock()
	defer g.updateMu.Unlock()

	if u.PreferredPort < 0 {
		return Result{}, fmt.Errorf("invalid preferred port %d", u.PreferredPort)
	}

	g.mu.Lock()
	prev := g.current
	if u.Version <= prev.Version {
		g.mu.Unlock()
		g.log.Debug("discarding stale settings update", "incoming", u.Version, "current", prev.Version)
		return Result{Stale: true}, nil
	}
	next := Configuration{
		Version:       u.Version,
		Enabled:       u.Enabled,
		PreferredPort: u.PreferredPort,
		ActualPort:    g.relay.Port(),
	}
	if err := g.persistLocked(ctx, next); err != nil {
		g.mu.Unlock()
		return Result{}, err
	}
	g.mu.Unlock()
	g.log.Info("settings updated", "version", next.Version, "enabled", next.Enabled, "preferredPort", next.PreferredPort)

	res := Result{Applied: true}
	running := g.relay.Running()
	switch {
	case next.Enabled && !running:
		res.StartErr = g.start(ctx, next.PreferredPort)
	case next.Enabled && running && next.PreferredPort != prev.PreferredPort:
		g.log.Info("preferred port changed, restarting relay", "from", prev.PreferredPort, "to", next.PreferredPort)
		res.StartErr = g.start(ctx, next.PreferredPort)
	case !next.Enabled && running:
		if err := g.relay.Stop(ctx); err != nil {
			g.log.Error("relay stop failed", "err", err)
		}
	}
	if res.StartErr != nil {
		res.Reverted = true
	}

	g.broadcast()
	return res, nil
}

// Restore reconciles the relay with the stored configuration at process start.
func (g *Gate) Restore(ctx context.Context) error {
	g.updateMu.Lock()
	defer g.updateMu.Unlock()

	g.mu.Lock()
	cfg := g.current
	cfg.ActualPort = g.relay.Port()
	if err := g.persistLocked(ctx, cfg); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	var err error
	if cfg.Enabled && !g.relay.Running() {
		err = g.start(ctx, cfg.PreferredPort)
	}
	g.broadcast()
	return err
}

// RelayStateChanged records the relay's bound port. It does not change the version.
func (g *Gate) RelayStateChanged(status relay.Status) {
	port := 0
	if status.State == relay.StateRunning {
		port = status.Port
	}
	g.mu.Lock()
	if g.current.ActualPort == port {
		g.mu.Unlock()
		return
	}
	next := g.current
	next.ActualPort = port
	if err := g.persistLocked(context.Background(), next); err != nil {
		g.log.Error("persisting relay port failed", "port", port, "err", err)
		g.current = next
	}
	g.mu.Unlock()
	g.broadcast()
}

// start starts the relay and reverts Enabled when that fails.
func (g *Gate) start(ctx context.Context, preferredPort int) error {
	err := g.relay.Start(ctx, preferredPort)
	if err == nil {
		return nil
	}
	g.log.Error("relay start failed, disabling", "preferredPort", preferredPort, "err", err)
	g.notifier.Error("DevTunnel has been disabled because it could not start")

	g.mu.Lock()
	reverted := g.current
	reverted.Enabled = false
	reverted.ActualPort = g.relay.Port()
	if perr := g.persistLocked(ctx, reverted); perr != nil {
		g.log.Error("persisting reverted settings failed", "err", perr)
		g.current = reverted
	}
	g.mu.Unlock()
	return err
}

// persistLocked writes cfg to the store and makes it current. Caller must hold g.mu.
func (g *Gate) persistLocked(ctx context.Context, cfg Configuration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, StoreKey, raw); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	g.current = cfg
	return nil
}

func (g *Gate) broadcast() {
	g.mu.RLock()
	snapshot := g.current
	observers := append([]Observer{}, g.observers...)
	g.mu.RUnlock()
	for _, o := range observers {
		o.SettingsChanged(snapshot)
	}
}
