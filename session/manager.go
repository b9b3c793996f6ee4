package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionBusy is returned by Acquire when queuing is disabled and the
// session already has an in-flight run.
var ErrSessionBusy = errors.New("session busy")

// Config tunes session lifecycle.
type Config struct {
	// MaxContextChars is the compression trigger. Sessions at or under it
	// are never compressed.
	MaxContextChars int
	// KeepRecentTurns is how many trailing turns survive compression verbatim.
	KeepRecentTurns int
	// TTL is how long an idle session lives. Expiry is advisory; a query
	// against an expired session simply starts a fresh context.
	TTL time.Duration
	// QueueOnBusy makes Acquire wait for the session lock instead of
	// returning ErrSessionBusy.
	QueueOnBusy bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextChars: 8000,
		KeepRecentTurns: 4,
		TTL:             30 * time.Minute,
		QueueOnBusy:     true,
	}
}

// Manager owns all live conversation contexts. All mutations go through the
// manager so session state is never observed mid-update.
type Manager struct {
	cfg        Config
	store      *SnapshotStore
	summarizer *Summarizer

	mu       sync.Mutex
	sessions map[string]*ConversationContext
	locks    map[string]chan struct{}

	logger zerolog.Logger
}

// NewManager creates a Manager. store may be nil for memory-only sessions;
// summarizer may be nil to disable compression.
func NewManager(cfg Config, store *SnapshotStore, summarizer *Summarizer, logger zerolog.Logger) (*Manager, error) {
	if cfg.MaxContextChars <= 0 {
		return nil, fmt.Errorf("max context chars must be positive, got %d", cfg.MaxContextChars)
	}
	if cfg.KeepRecentTurns < 1 {
		return nil, fmt.Errorf("keep recent turns must be at least 1, got %d", cfg.KeepRecentTurns)
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		summarizer: summarizer,
		sessions:   make(map[string]*ConversationContext),
		locks:      make(map[string]chan struct{}),
		logger:     logger.With().Str("component", "session_manager").Logger(),
	}, nil
}

// Acquire takes the per-session run lock. At most one agent run is in
// flight per session; with QueueOnBusy, later callers wait in order, and a
// cancelled waiter leaves the queue immediately. The returned release
// function must be called exactly once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	sem, ok := m.locks[sessionID]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[sessionID] = sem
	}
	m.mu.Unlock()

	if m.cfg.QueueOnBusy {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case sem <- struct{}{}:
		default:
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { <-sem }) }, nil
}

// GetOrCreate returns a copy of the session state, loading a snapshot if
// one exists, creating a fresh context otherwise.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*ConversationContext, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		defer m.mu.Unlock()
		return sess.clone(), nil
	}
	m.mu.Unlock()

	// Snapshot load happens outside the lock; a racing creator is resolved
	// below by re-checking the map.
	var loaded *ConversationContext
	if m.store != nil {
		sess, err := m.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		loaded = sess
	}
	if loaded == nil {
		loaded = &ConversationContext{
			SessionID:  sessionID,
			LastActive: time.Now(),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess.clone(), nil
	}
	m.sessions[sessionID] = loaded
	return loaded.clone(), nil
}

// mutate applies fn to the live session under the manager lock and persists
// the result. An expiry sweep may remove the session between GetOrCreate and
// the lock; expiry is advisory, so the mutation proceeds on a fresh context
// instead of failing. fn returns false to skip persistence.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(sess *ConversationContext) bool) error {
	if _, err := m.GetOrCreate(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &ConversationContext{SessionID: sessionID}
		m.sessions[sessionID] = sess
	}
	if !fn(sess) {
		m.mu.Unlock()
		return nil
	}
	sess.LastActive = time.Now()
	snapshot := sess.clone()
	m.mu.Unlock()

	return m.persist(ctx, snapshot)
}

// AppendTurn appends one turn and persists the snapshot.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	return m.mutate(ctx, sessionID, func(sess *ConversationContext) bool {
		sess.Turns = append(sess.Turns, Turn{
			Role:      role,
			Content:   content,
			CreatedAt: time.Now(),
		})
		return true
	})
}

// RecordFact adds a fact to working memory, deduplicated by key. Recording
// a duplicate is a no-op, not an error.
func (m *Manager) RecordFact(ctx context.Context, sessionID string, fact Fact) error {
	if fact.Key == "" {
		return errors.New("fact key is required")
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	return m.mutate(ctx, sessionID, func(sess *ConversationContext) bool {
		if sess.HasFact(fact.Key) {
			return false
		}
		sess.WorkingMemory = append(sess.WorkingMemory, fact)
		return true
	})
}

// Compress folds the oldest turns into a single summary turn when the
// session is over budget. The most recent turns, the latest user turn, and
// all working memory survive verbatim. Under budget it is a no-op, so
// repeated calls converge.
func (m *Manager) Compress(ctx context.Context, sessionID string) error {
	sess, err := m.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Size() <= m.cfg.MaxContextChars {
		return nil
	}
	if m.summarizer == nil {
		m.logger.Warn().Str("session_id", sessionID).Msg("Session over budget but no summarizer configured")
		return nil
	}

	boundary := len(sess.Turns) - m.cfg.KeepRecentTurns
	if latest := sess.LatestUserTurn(); latest >= 0 && latest < boundary {
		boundary = latest
	}
	if boundary <= 0 {
		// Nothing old enough to fold.
		return nil
	}

	summary, err := m.summarizer.SummarizeTurns(ctx, sess.Turns[:boundary])
	if err != nil {
		return fmt.Errorf("compress session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	live, ok := m.sessions[sessionID]
	if !ok || len(live.Turns) < boundary {
		// Session was expired or truncated while summarizing; drop the result.
		m.mu.Unlock()
		return nil
	}
	kept := live.Turns[boundary:]
	turns := make([]Turn, 0, len(kept)+1)
	turns = append(turns, Turn{
		Role:      RoleSummary,
		Content:   summary,
		CreatedAt: time.Now(),
	})
	turns = append(turns, kept...)
	oldSize := live.Size()
	live.Turns = turns
	live.LastActive = time.Now()
	newSize := live.Size()
	snapshot := live.clone()
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", sessionID).
		Int("original_chars", oldSize).
		Int("compressed_chars", newSize).
		Int("folded_turns", boundary).
		Msg("Session compressed")
	return m.persist(ctx, snapshot)
}

// OverBudget reports whether the session currently exceeds the context
// budget.
func (m *Manager) OverBudget(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return ok && sess.Size() > m.cfg.MaxContextChars
}

// BudgetRemaining returns how many characters the session has left before
// compression triggers. Never negative.
func (m *Manager) BudgetRemaining(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return m.cfg.MaxContextChars
	}
	remaining := m.cfg.MaxContextChars - sess.Size()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expire drops one session from memory and storage.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			return err
		}
	}
	m.logger.Debug().Str("session_id", sessionID).Msg("Session expired")
	return nil
}

// ExpireIdle drops every session idle longer than the TTL and returns how
// many were dropped. A TTL of zero disables expiry.
func (m *Manager) ExpireIdle(ctx context.Context) (int, error) {
	if m.cfg.TTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.LastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if m.store != nil {
		n, err := m.store.DeleteIdle(ctx, cutoff)
		if err != nil {
			return len(expired), err
		}
		if int(n) > len(expired) {
			// Snapshots from a previous process count too.
			return int(n), nil
		}
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("Expired idle sessions")
	}
	return len(expired), nil
}

func (m *Manager) persist(ctx context.Context, sess *ConversationContext) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.SessionID, err)
	}
	return nil
}
