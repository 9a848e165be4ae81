// Package memory is the session cache: the active dialog and model
// conversation per user, evicted after an idle timeout.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Manager applies the idle timeout on top of a Store.
type Manager struct {
	store Store
	idle  time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a session manager. idle <= 0 disables expiry.
func NewManager(store Store, idle time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		idle:  idle,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session of userID. A session idle for longer than the
// timeout is evicted and reported as absent.
func (m *Manager) Get(ctx context.Context, userID int64) (*ActiveSession, bool, error) {
	cutoff := time.Time{}
	if m.idle > 0 {
		cutoff = m.now().Add(-m.idle)
	}
	sess, err := m.store.LoadFresh(ctx, userID, cutoff)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, true, nil
}

// Set stores sess for userID and stamps its last activity.
func (m *Manager) Set(ctx context.Context, userID int64, sess *ActiveSession) error {
	sess.LastActivity = m.now()
	if err := m.store.Save(ctx, userID, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.log.Debug().Int64("user_id", userID).Str("dialog_id", sess.DialogID).Msg("session saved")
	return nil
}

// Clear removes the session of userID.
func (m *Manager) Clear(ctx context.Context, userID int64) error {
	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.log.Debug().Int64("user_id", userID).Msg("session cleared")
	return nil
}

// Count returns the number of stored sessions, including expired ones not
// yet evicted.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if closer, ok := m.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
