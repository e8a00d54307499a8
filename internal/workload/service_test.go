package workload

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logx "treebuild/pkg/logx"
)

func TestServiceRegistry(t *testing.T) {
	t.Parallel()
	s := NewService(Config{Enabled: true}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	for _, name := range []string{"b", "a", "b"} {
		if err := s.AddSchedule(name, "@every 1m", noop); err != nil {
			t.Fatalf("AddSchedule(%s): %v", name, err)
		}
	}
	if err := s.AddSchedule("bad", "whenever", noop); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.AddSchedule(" ", "1m", noop); err == nil {
		t.Fatal("expected name error")
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should succeed once")
	}
	if diff := cmp.Diff([]string{"b"}, s.Names()); diff != "" {
		t.Fatalf("names after remove (-want +got):\n%s", diff)
	}
}

func TestServiceRunsJobsAfterStart(t *testing.T) {
	t.Parallel()
	s := NewService(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	fired := make(chan struct{}, 8)
	err := s.AddSchedule("tick", "* * * * * *", func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("job ran before Start")
	case <-time.After(1200 * time.Millisecond):
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != "tick" || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	s.Apply(Config{Enabled: false})
	time.Sleep(100 * time.Millisecond)
	for len(fired) > 0 {
		<-fired
	}
	select {
	case <-fired:
		t.Fatal("job ran while disabled")
	case <-time.After(1500 * time.Millisecond):
	}
}
