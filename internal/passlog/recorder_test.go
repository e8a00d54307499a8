package passlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"treebuild/internal/buildtree"
	"treebuild/internal/eventbus"
	"treebuild/internal/storage"
	logx "treebuild/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	recs []storage.PassRecord
	err  error
}

func (m *memStore) AppendPass(ctx context.Context, r storage.PassRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	r.Seq = uint64(len(m.recs) + 1)
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) RecentPasses(ctx context.Context, limit int) ([]storage.PassRecord, error) {
	return nil, nil
}

func (m *memStore) Prune(ctx context.Context, before time.Time) (int, error) { return 0, nil }
func (m *memStore) Close() error                                            { return nil }

func TestRecordFiltersIdlePasses(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	r := New(Config{}, st, eventbus.New(), logx.Nop())
	ctx := context.Background()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ran := buildtree.PassReport{Scheduler: "ui", Frame: 2, Pending: 4, Ran: 3, Remaining: 1,
		Elapsed: 41 * time.Millisecond, Budget: 40 * time.Millisecond, Yielded: true, At: at, NextPriority: 2}
	skipped := buildtree.PassReport{Scheduler: "ui", Frame: 3, Pending: 1, Remaining: 1, Skipped: true, At: at}
	idle := buildtree.PassReport{Scheduler: "ui", Frame: 4, At: at}

	if !r.Record(ctx, ran) || !r.Record(ctx, skipped) || r.Record(ctx, idle) {
		t.Fatal("unexpected Record results")
	}
	want := []storage.PassRecord{
		{Seq: 1, At: at, Scheduler: "ui", Frame: 2, Pending: 4, Ran: 3, Remaining: 1, ElapsedMS: 41, BudgetMS: 40, Yielded: true},
		{Seq: 2, At: at, Scheduler: "ui", Frame: 3, Pending: 1, Remaining: 1, Skipped: true},
	}
	if diff := cmp.Diff(want, st.recs); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
	if got := r.Stats(); got != (Stats{Written: 2, Ignored: 1}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestRecordCountsFailures(t *testing.T) {
	t.Parallel()
	st := &memStore{err: errors.New("disk full")}
	r := New(Config{}, st, eventbus.New(), logx.Nop())
	for i := 0; i < 3; i++ {
		r.Record(context.Background(), buildtree.PassReport{Ran: 1})
	}
	if got := r.Stats().Failed; got != 3 {
		t.Fatalf("failed = %d, want 3", got)
	}
}

func TestRunRecordsBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	path := filepath.Join(t.TempDir(), "passes.jsonl")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	r := New(Config{}, st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Publish until the subscription is in place and the record lands.
	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Written == 0 {
		if time.Now().After(deadline) {
			t.Fatal("nothing recorded")
		}
		bus.Publish(eventbus.Event{Type: buildtree.EventPass, Data: buildtree.PassReport{Scheduler: "ui", Ran: 1}})
		bus.Publish(eventbus.Event{Type: buildtree.EventCompleted, Data: "ui"})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs, err := st.RecentPasses(context.Background(), 1)
	if err != nil || len(recs) != 1 || recs[0].Scheduler != "ui" || recs[0].Ran != 1 {
		t.Fatalf("stored = %+v, %v", recs, err)
	}
}
