package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rennerdo30/tunnelkeeper/internal/util"
)

var (
	// ErrEmptyID is returned when a profile id is empty.
	ErrEmptyID = errors.New("profile id is required")

	// ErrInvalidID is returned for ids that are not usable as a file name.
	// Profile ids name the per-profile log file, so two ids must never
	// map to the same name.
	ErrInvalidID = errors.New("invalid profile id")
)

// Registry maps profile ids to their live session record.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Reserve creates a record in state connecting for the profile. If the
// profile already has a record, an *AlreadyRunningError carrying the
// existing view is returned and nothing is inserted.
func (r *Registry) Reserve(profileID string) (*Record, error) {
	if profileID == "" {
		return nil, ErrEmptyID
	}
	if util.FilterID(profileID) != profileID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, profileID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[profileID]; ok {
		return nil, &AlreadyRunningError{View: existing.view()}
	}

	rec := &Record{
		profileID: profileID,
		sessionID: uuid.NewString(),
		createdAt: r.now(),
		status:    StatusConnecting,
	}
	r.records[profileID] = rec
	return rec, nil
}

// Get returns the live record for a profile.
func (r *Registry) Get(profileID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[profileID]
	return rec, ok
}

// Remove deletes rec from the registry. It returns true only for the first
// call on a given record; later calls, or calls for a record that has been
// replaced, are no-ops.
func (r *Registry) Remove(rec *Record) bool {
	if rec == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.removed {
		return false
	}
	rec.removed = true
	rec.handle = nil

	if cur, ok := r.records[rec.profileID]; ok && cur == rec {
		delete(r.records, rec.profileID)
	}
	return true
}

// Snapshot returns a consistent copy of every session's public view.
func (r *Registry) Snapshot() map[string]View {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]View, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.view()
	}
	return out
}

// IDs returns the ids of every live record in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// View returns the public view of a single record.
func (r *Registry) View(rec *Record) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.view()
}

// Status returns the current status of rec.
func (r *Registry) Status(rec *Record) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.status
}

// SetStatus moves rec to status if the transition is allowed and reports
// whether it changed. Reaching disconnected drops the process handle.
func (r *Registry) SetStatus(rec *Record, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.status == status || !rec.status.CanTransition(status) {
		return false
	}

	rec.status = status
	switch status {
	case StatusConnected:
		if rec.connectedAt.IsZero() {
			rec.connectedAt = r.now()
		}
	case StatusDisconnected:
		rec.handle = nil
	}
	return true
}

// SetServerAddr records the remote endpoint negotiated by the tunnel.
func (r *Registry) SetServerAddr(rec *Record, addr string) {
	r.mu.Lock()
	rec.serverAddr = addr
	r.mu.Unlock()
}

// SetClientAddr records the local address assigned to the tunnel.
func (r *Registry) SetClientAddr(rec *Record, addr string) {
	r.mu.Lock()
	rec.clientAddr = addr
	r.mu.Unlock()
}

// AttachHandle stores the process handle on rec and returns whether a stop
// was requested while the process was being spawned. The check happens under
// the same lock RequestStop uses to set the flag, so a stop can never slip
// between the two.
func (r *Registry) AttachHandle(rec *Record, h Handle) (stopRequested bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !rec.removed && !rec.status.Terminal() {
		rec.handle = h
	}
	return rec.stopRequested
}

// Handle returns the process handle attached to rec, if any.
func (r *Registry) Handle(rec *Record) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.handle
}

// RequestStop flags the profile's session for stopping and returns the
// attached handle, which is nil when the process has not been spawned yet.
// found is false when no session exists for the profile.
func (r *Registry) RequestStop(profileID string) (h Handle, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[profileID]
	if !ok {
		return nil, false
	}
	rec.stopRequested = true
	return rec.handle, true
}

// StopRequested reports whether a stop was requested for rec.
func (r *Registry) StopRequested(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.stopRequested
}
