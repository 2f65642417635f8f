// Package positrack provides a minimal public API for embedding the
// telemetry engine in other Go programs.
//
// Most integrations should run the positrack daemon and speak the realtime
// protocol, or query MySQL directly. This package exports only the types
// and constructors needed to drive ingestion and scoped reads in-process.
package positrack

import (
	"context"

	"github.com/positrack/positrack/internal/config"
	"github.com/positrack/positrack/internal/server"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// Core types for working with telemetry
type (
	Report    = types.Report
	LastKnown = types.LastKnown
	Principal = types.Principal
	Role      = types.Role
	Window    = types.Window
	Stats     = types.Stats
)

// Role constants
const (
	RoleSuperadmin = types.RoleSuperadmin
	RoleAdmin      = types.RoleAdmin
	RoleDealer     = types.RoleDealer
	RoleClient     = types.RoleClient
	RoleUser       = types.RoleUser
)

// Report status constants
const (
	StatusLive    = types.StatusLive
	StatusHistory = types.StatusHistory
)

// Config is the daemon configuration tree.
type Config = config.Config

// Server is the assembled engine: ingestion, queries, lifecycle, realtime.
type Server = server.Server

// Options tunes Open; the zero value dials MySQL from the config.
type Options = server.Options

// Store is the persistence interface, exported so embedders can substitute
// fakes or decorators.
type Store = storage.Store

// DefaultConfig returns the tree every deployment starts from.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads path (or the default search locations when path is
// empty) merged over defaults and environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Open assembles an engine from cfg. The caller drives it with Run and
// must Close it.
func Open(ctx context.Context, cfg *Config, opts Options) (*Server, error) {
	return server.New(ctx, cfg, opts)
}
