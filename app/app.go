// Package app is the explicit composition root spec.md's Design Notes
// call for in place of package-level globals or a DI framework: one
// struct owning every long-lived collaborator, built once at startup
// and torn down once at shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Polqt/crdtcollab/config"
	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/events"
	"github.com/Polqt/crdtcollab/fileid"
	"github.com/Polqt/crdtcollab/kernel"
	"github.com/Polqt/crdtcollab/outputs"
	"github.com/Polqt/crdtcollab/room"
	"github.com/Polqt/crdtcollab/session"
	"github.com/Polqt/crdtcollab/telemetry"
)

// Context owns every collaborator the server needs: the room manager,
// the output store, the session binder, and the kernel bridge
// registry, per SPEC_FULL.md §9's "room manager and kernel client
// manager are fields on app.Context" note.
type Context struct {
	Config *config.Config

	Indexer fileid.Indexer
	Files   contents.Store
	Events  *events.Bus
	Outputs *outputs.Store
	Rooms   *room.Manager
	Session *session.Binder

	shutdownTracing func(context.Context) error

	mu      sync.Mutex
	bridges map[string]*kernel.Bridge // kernel id -> bridge
}

// New constructs a fully wired Context from cfg. It applies cfg's
// overridable room/outputs knobs to their package-level vars before
// constructing anything that reads them, so every room and output
// store created afterward observes the configured values.
func New(cfg *config.Config, filesRoot string) (*Context, error) {
	outputs.ExternalizeThreshold = cfg.Outputs.ExternalizeThreshold
	outputs.AlwaysExternalizeMIMEs = toMIMESet(cfg.Outputs.AlwaysExternalizeMIMEs)
	room.DefaultDesyncedTimeout = cfg.Room.DesyncedTimeout()
	room.DefaultClientPollInterval = cfg.Room.ClientPollInterval()
	room.InactivityCheckInterval = cfg.Room.InactivityCheckInterval()
	room.SaveDebounce = cfg.Room.SaveDebounce()

	indexer := fileid.NewMemIndexer()

	files, err := contents.NewFSStore(filesRoot)
	if err != nil {
		return nil, fmt.Errorf("app: create contents store: %w", err)
	}

	bus := events.NewBus()

	outStore, err := outputs.NewStore(cfg.Outputs.Path, 0)
	if err != nil {
		return nil, fmt.Errorf("app: create outputs store: %w", err)
	}

	rooms := room.NewManager(indexer, files, bus)

	store, err := newSessionStore(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("app: create session store: %w", err)
	}

	a := &Context{
		Config:  cfg,
		Indexer: indexer,
		Files:   files,
		Events:  bus,
		Outputs: outStore,
		Rooms:   rooms,
		bridges: make(map[string]*kernel.Bridge),
	}
	a.Session = session.NewBinder(store, rooms, a, indexer.Index)

	if cfg.JaegerEndpoint != "" {
		shutdown, err := telemetry.InitJaeger("crdtcollab", cfg.JaegerEndpoint)
		if err != nil {
			slog.Warn("app: tracing disabled, jaeger init failed", "err", err)
		} else {
			a.shutdownTracing = shutdown
		}
	}

	return a, nil
}

func newSessionStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return session.NewPostgresStore(cfg.PostgresDSN)
	default:
		return session.NewMemStore(), nil
	}
}

func toMIMESet(mimes []string) map[string]bool {
	set := make(map[string]bool, len(mimes))
	for _, m := range mimes {
		set[m] = true
	}
	return set
}

// RegisterKernel binds a running kernel's Bridge under kernelID, so
// BridgeFor (the session.KernelBridges contract) and the HTTP/cmd
// layer can look it up by id.
func (a *Context) RegisterKernel(kernelID string, bridge *kernel.Bridge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bridges[kernelID] = bridge
}

// UnregisterKernel forgets a kernel's bridge, e.g. once its process
// has exited.
func (a *Context) UnregisterKernel(kernelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bridges, kernelID)
}

// BridgeFor implements session.KernelBridges.
func (a *Context) BridgeFor(kernelID string) (*kernel.Bridge, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bridges[kernelID]
	return b, ok
}

// Shutdown stops the room manager, closes the event bus and shuts down
// tracing; the file store is not closed. It logs (not fails)
// on individual component errors so one slow shutdown never blocks
// the rest — the same aggregate-failure posture room.Manager.Stop
// already takes internally.
func (a *Context) Shutdown(ctx context.Context) {
	a.Rooms.Stop()
	if err := a.Events.Close(); err != nil {
		slog.Warn("app: error closing event bus", "err", err)
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			slog.Warn("app: error shutting down tracing", "err", err)
		}
	}
}
