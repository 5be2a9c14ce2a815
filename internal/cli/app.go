package cli

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/outbox/internal/calendar"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/remote"
	"github.com/roach88/outbox/internal/store"
)

// app is what a command works with: the resolved config, the open store,
// and the calendar service wired to the remote client.
type app struct {
	cfg    Config
	store  *store.Store
	client *remote.Client
	svc    *calendar.Service
}

// openApp resolves the config and opens the database. Callers must Close.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	timeout, minInterval, err := cfg.Durations()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	adapter := calendar.NewAdapter(loc)
	client := remote.New(cfg.Server.BaseURL, cfg.Server.Resource, adapter, remote.WithTimeout(timeout))
	svc := calendar.NewService(st, client, client, loc, engine.WithMinInterval(minInterval))

	return &app{cfg: cfg, store: st, client: client, svc: svc}, nil
}

// requireServer fails commands that talk to the server when none is set.
func (a *app) requireServer() error {
	if a.cfg.Server.BaseURL == "" {
		return NewExitError(ExitCommandError, "server.base_url is not configured (set it in the config file or pass --server)")
	}
	return nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// scopeFlag turns a --calendar value into a scope; 0 means every scope.
func scopeFlag(calendarID int64) ir.Scope {
	if calendarID == 0 {
		return ir.Scope{}
	}
	return calendar.CalendarScope(calendarID)
}

// parseID parses a raw entity id as printed by the pending command.
func parseID(s string) (ir.EntityID, error) {
	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return ir.EntityID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ir.FromRaw(raw)
}
