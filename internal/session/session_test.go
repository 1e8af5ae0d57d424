package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/remembrancer/lorekeeper/internal/index"
	"github.com/remembrancer/lorekeeper/internal/log"
	"github.com/remembrancer/lorekeeper/internal/retrieve"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResponder answers with one passage echoing the query. Queries
// containing "block" park until release is closed, and err fails every
// call.
type fakeResponder struct {
	err     error
	release chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeResponder) Respond(ctx context.Context, query string) (*retrieve.Result, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.release != nil && strings.Contains(query, "block") {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &retrieve.Result{Passages: []retrieve.Passage{{
		ChunkID:      "c1",
		ArticleTitle: "Answer",
		Text:         "passage for: " + query,
	}}}, nil
}

func newManager(t *testing.T, r Responder, cfg Config) *Manager {
	t.Helper()
	m := NewManager(r, cfg, log.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestHandleMessage_EmptyMessage(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{})

	_, err := m.HandleMessage(context.Background(), "u1", "   ")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("got %v, want ErrEmptyMessage", err)
	}
}

func TestHandleMessage_RecordsTurn(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{})

	turn, err := m.HandleMessage(context.Background(), "u1", "who is Horus")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if turn.Condition != ConditionOK || len(turn.Passages) != 1 {
		t.Errorf("turn = %+v", turn)
	}
	if !strings.Contains(turn.Context, "who is Horus") {
		t.Errorf("context missing passage text: %q", turn.Context)
	}

	history := m.History("u1")
	if len(history) != 1 || history[0].ID != turn.ID {
		t.Errorf("history = %+v", history)
	}
}

func TestHandleMessage_HistoryBounded(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{MaxTurns: 3, RatePerMinute: 1000})

	for i := range 10 {
		if _, err := m.HandleMessage(context.Background(), "u1", fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("HandleMessage %d: %v", i, err)
		}
	}

	history := m.History("u1")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Query != "question 7" || history[2].Query != "question 9" {
		t.Errorf("wrong turns survived: %q .. %q", history[0].Query, history[2].Query)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{RatePerMinute: 1})
	ctx := context.Background()

	if _, err := m.HandleMessage(ctx, "u1", "first"); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := m.HandleMessage(ctx, "u1", "second"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}

	// Other users have their own bucket.
	if _, err := m.HandleMessage(ctx, "u2", "hello"); err != nil {
		t.Errorf("unrelated user rate limited: %v", err)
	}
}

func TestHandleMessage_DegradesOnStoreOutage(t *testing.T) {
	r := &fakeResponder{err: retrieve.ErrStoreUnavailable}
	m := newManager(t, r, Config{})
	ctx := context.Background()

	turn, err := m.HandleMessage(ctx, "u1", "question during outage")
	if err != nil {
		t.Fatalf("degraded turn must not error: %v", err)
	}
	if turn.Condition != ConditionDegraded || turn.Context != "" {
		t.Errorf("turn = %+v, want degraded with empty context", turn)
	}

	// Session recovers once the store is back.
	r.err = nil
	turn, err = m.HandleMessage(ctx, "u1", "question after recovery")
	if err != nil {
		t.Fatalf("HandleMessage after recovery: %v", err)
	}
	if turn.Condition != ConditionOK {
		t.Error("session did not recover from degraded turn")
	}

	if got := len(m.History("u1")); got != 2 {
		t.Errorf("history length = %d, want degraded turn recorded too", got)
	}
}

func TestHandleMessage_HardErrorNotRecorded(t *testing.T) {
	m := newManager(t, &fakeResponder{err: index.ErrDimensionMismatch}, Config{})

	_, err := m.HandleMessage(context.Background(), "u1", "question")
	if err == nil {
		t.Fatal("expected error for non-transient failure")
	}
	if got := len(m.History("u1")); got != 0 {
		t.Errorf("failed turn was recorded, history = %d", got)
	}
}

func TestHandleMessage_SerializesSameUser(t *testing.T) {
	r := &fakeResponder{release: make(chan struct{})}
	m := newManager(t, r, Config{RatePerMinute: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.HandleMessage(ctx, "u1", "block and wait")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := r.inFlight.Load(); got > 1 {
		t.Errorf("%d turns in flight for one user, want at most 1", got)
	}
	close(r.release)
	wg.Wait()

	if got := r.maxInFlight.Load(); got > 1 {
		t.Errorf("max in-flight = %d, same-user turns must serialize", got)
	}
	if got := len(m.History("u1")); got != 4 {
		t.Errorf("history length = %d, want all 4 turns", got)
	}
}

func TestHandleMessage_UsersProceedInParallel(t *testing.T) {
	r := &fakeResponder{release: make(chan struct{})}
	m := newManager(t, r, Config{})

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_, _ = m.HandleMessage(context.Background(), "u1", "block here")
	}()

	// While u1 is parked inside its turn, u2 must complete.
	done := make(chan error, 1)
	go func() {
		_, err := m.HandleMessage(context.Background(), "u2", "quick question")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("u2 turn failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("u2 blocked behind u1's turn")
	}

	close(r.release)
	<-blocked
}

func TestJanitor_EvictsIdleSessions(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{
		IdleTimeout:     30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})

	if _, err := m.HandleMessage(context.Background(), "u1", "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if m.ActiveSessions() != 1 {
		t.Fatal("session not created")
	}

	deadline := time.After(2 * time.Second)
	for m.ActiveSessions() != 0 {
		select {
		case <-deadline:
			t.Fatal("idle session never evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReset_DropsSession(t *testing.T) {
	m := newManager(t, &fakeResponder{}, Config{})

	if _, err := m.HandleMessage(context.Background(), "u1", "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	m.Reset("u1")
	if got := m.History("u1"); got != nil {
		t.Errorf("history after reset = %+v", got)
	}
}

func TestClose_RefusesNewMessages(t *testing.T) {
	m := NewManager(&fakeResponder{}, Config{}, log.NewNop())
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := m.HandleMessage(context.Background(), "u1", "too late")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
