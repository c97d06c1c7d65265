// Package liveview holds the atomically-swapped composite state read by
// the HTTP surface and written by the RRDP engine: the object store and
// the encoded Index bytes (with their digest) for the configured scope.
// The AKI-to-ManifestRef map is not part of a View; it stays on the RRDP
// engine's State. Readers take a local copy of the pointer at request
// entry and never block the writer.
package liveview

import (
	"sync/atomic"

	"erik/internal/objectstore"
	"erik/internal/wire"
)

// View is one immutable, fully-built snapshot of relay state.
type View struct {
	Scope       string
	IndexDigest wire.Digest
	IndexBytes  []byte
	Store       *objectstore.Store
}

// Holder atomically publishes and serves Views.
type Holder struct {
	p atomic.Pointer[View]
}

// Store replaces the published view.
func (h *Holder) Store(v *View) { h.p.Store(v) }

// Load returns the current view, or nil if none has been published yet.
func (h *Holder) Load() *View { return h.p.Load() }
