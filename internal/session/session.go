// Package session tracks per-user conversations and their concurrency.
//
// Each user gets one session holding a bounded turn history. Turns for
// the same user are strictly serialized by a per-session lock, while
// different users proceed in parallel. An idle janitor evicts sessions
// that have not spoken within the idle timeout, and a per-user token
// bucket caps message rate.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/remembrancer/lorekeeper/internal/retrieve"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrEmptyMessage indicates the message held no usable text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrRateLimited indicates the user exceeded their message rate.
	ErrRateLimited = errors.New("message rate limit exceeded")

	// ErrClosed indicates the manager has shut down.
	ErrClosed = errors.New("session manager closed")
)

// Condition reports how a turn was answered.
type Condition int

const (
	// ConditionOK means retrieval succeeded.
	ConditionOK Condition = iota

	// ConditionDegraded means retrieval failed transiently and the turn
	// carries no passages. The session stays usable.
	ConditionDegraded
)

func (c Condition) String() string {
	if c == ConditionDegraded {
		return "degraded"
	}
	return "ok"
}

// Turn is one completed question within a session.
type Turn struct {
	ID        string
	Query     string
	Passages  []retrieve.Passage // ranked grounding passages, nil when degraded
	Context   string             // assembled passage block, empty when degraded
	Condition Condition
	At        time.Time
	Elapsed   time.Duration
}

// Responder retrieves passages for a query. Provided by the application
// layer so sessions stay transport- and model-agnostic.
type Responder interface {
	Respond(ctx context.Context, query string) (*retrieve.Result, error)
}

// Config tunes the manager. Zero values fall back to safe defaults.
type Config struct {
	IdleTimeout     time.Duration // session eviction threshold (default 30m)
	MaxTurns        int           // turns kept per session (default 20)
	RatePerMinute   int           // messages per user per minute (default 20)
	JanitorInterval time.Duration // eviction sweep period (default 1m)
}

type session struct {
	limiter *rate.Limiter

	mu    sync.Mutex // serializes this user's turns
	turns []Turn

	lastActive atomic.Int64 // unix nanos, read lock-free by the janitor
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// Manager owns all live sessions.
//
// Manager is safe for concurrent use. Close must be called to stop the
// janitor goroutine.
type Manager struct {
	responder Responder
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager starts a manager and its idle-eviction janitor.
func NewManager(responder Responder, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxTurns < 1 {
		cfg.MaxTurns = 20
	}
	if cfg.RatePerMinute < 1 {
		cfg.RatePerMinute = 20
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}

	m := &Manager{
		responder: responder,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*session),
		done:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.janitor()
	return m
}

// Close stops the janitor and refuses further messages.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}

// HandleMessage processes one user message as a full turn: rate check,
// retrieval, history append. Messages from the same user are handled one
// at a time in lock-acquisition order; other users are unaffected.
//
// Transient retrieval failures (timeout, store outage) produce a degraded
// turn rather than an error, so one bad turn never poisons the session.
func (m *Manager) HandleMessage(ctx context.Context, userID, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}

	s, err := m.session(userID)
	if err != nil {
		return Turn{}, err
	}

	if !s.limiter.Allow() {
		return Turn{}, fmt.Errorf("user %s: %w", userID, ErrRateLimited)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	defer s.touch()

	started := time.Now()
	turn := Turn{
		ID:    uuid.NewString(),
		Query: text,
		At:    started,
	}

	result, err := m.responder.Respond(ctx, text)
	switch {
	case err == nil:
		turn.Passages = result.Passages
		turn.Context = retrieve.BuildContext(result.Passages)
	case errors.Is(err, retrieve.ErrTimeout), errors.Is(err, retrieve.ErrStoreUnavailable):
		turn.Condition = ConditionDegraded
		m.logger.Warn("turn degraded", "user", userID, "error", err)
	default:
		return Turn{}, fmt.Errorf("turn failed for user %s: %w", userID, err)
	}
	turn.Elapsed = time.Since(started)

	s.turns = append(s.turns, turn)
	if len(s.turns) > m.cfg.MaxTurns {
		s.turns = s.turns[len(s.turns)-m.cfg.MaxTurns:]
	}
	return turn, nil
}

// History returns a copy of the user's turns, oldest first.
func (m *Manager) History(userID string) []Turn {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// Reset drops the user's session entirely.
func (m *Manager) Reset(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) session(userID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	s := &session{
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(m.cfg.RatePerMinute)),
			m.cfg.RatePerMinute),
	}
	s.touch()
	m.sessions[userID] = s
	m.logger.Debug("session created", "user", userID)
	return s, nil
}

func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle removes sessions idle past the timeout. A session whose lock
// is held is mid-turn and skipped; it will be reconsidered next sweep.
func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, s := range m.sessions {
		if s.lastActive.Load() > cutoff {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		s.mu.Unlock()
		delete(m.sessions, userID)
		m.logger.Info("session evicted", "user", userID)
	}
}
