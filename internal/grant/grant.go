// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package grant defines the Go interface for the grant-table collaborator
// (spec.md §1/§6): permitting and revoking a peer domain's foreign access
// to a guest page. The real capability manager is out of scope; this
// package holds the interface plus an in-memory fake.
//
// GrantManager.Permit must stay alive from the PermitForeignAccess call
// until the backend's response has been observed (spec.md §9): callers get
// back a Ref whose Revoke method is the only way to free it, matching the
// "linear type / Grant handle" guidance in the Design Notes.
package grant

import (
	"fmt"
	"sync"
)

// Ref is a live grant reference. It must be Revoked exactly once.
type Ref struct {
	id   uint32
	page []byte
	mgr  *Manager
}

func (r *Ref) ID() uint32 { return r.id }

// Revoke ends the backend's foreign access. Calling it twice panics: a
// double-revoke means a Fragment's grant lifetime invariant (spec §3) was
// violated.
func (r *Ref) Revoke() {
	r.mgr.revoke(r.id)
}

// Manager is the GrantManager described in spec §2: it wraps the
// grant-table primitive for one backend domain.
type Manager struct {
	backendDomain uint16

	mu     sync.Mutex
	nextID uint32
	live   map[uint32]bool
}

func NewManager(backendDomain uint16) *Manager {
	return &Manager{backendDomain: backendDomain, live: make(map[uint32]bool)}
}

// PermitForeignAccess grants the backend domain access to page (readOnly
// controls write permission) and returns a live Ref.
func (m *Manager) PermitForeignAccess(page []byte, readOnly bool) (*Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.live[id] = true
	return &Ref{id: id, page: page, mgr: m}, nil
}

func (m *Manager) revoke(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live[id] {
		panic(fmt.Sprintf("grant: double revoke of ref %d", id))
	}
	delete(m.live, id)
}

// BackendDomain returns the domain id access is granted to.
func (m *Manager) BackendDomain() uint16 { return m.backendDomain }

// Outstanding returns the number of grants not yet revoked, for tests and
// for the Disable-path invariant that every grant is released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
