// Package admin owns the process-wide runtime flags and the operator
// endpoints that flip them. Flags are read on hot paths, so they are
// plain atomics, not config reloads.
package admin

import (
	"sync/atomic"

	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/scheduler"
)

// Flags are the two runtime toggles. Startup values come from config;
// after that only the admin endpoints change them.
type Flags struct {
	maintenance atomic.Bool
	cleanup     atomic.Bool
}

// NewFlags seeds the flags from startup configuration.
func NewFlags(maintenance, cleanupEnabled bool) *Flags {
	f := &Flags{}
	f.maintenance.Store(maintenance)
	f.cleanup.Store(cleanupEnabled)
	return f
}

// Maintenance reports whether new reservations are refused.
func (f *Flags) Maintenance() bool { return f.maintenance.Load() }

// SetMaintenance flips the maintenance gate.
func (f *Flags) SetMaintenance(on bool) { f.maintenance.Store(on) }

// CleanupEnabled reports whether the retention sweep may run.
func (f *Flags) CleanupEnabled() bool { return f.cleanup.Load() }

// SetCleanupEnabled flips the retention gate.
func (f *Flags) SetCleanupEnabled(on bool) { f.cleanup.Store(on) }

var _ reservation.Flags = (*Flags)(nil)
var _ scheduler.Flags = (*Flags)(nil)
