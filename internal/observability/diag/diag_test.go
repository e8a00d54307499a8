package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"treebuild/internal/buildtree"
	"treebuild/internal/storage"
	"treebuild/internal/uithread"
	logx "treebuild/pkg/logx"
)

type fakeLoop struct {
	mu     sync.Mutex
	budget time.Duration
}

func (f *fakeLoop) Snapshot() uithread.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uithread.Snapshot{Name: "ui", Running: true, FPS: 60, Scheduler: buildtree.Stats{Name: "ui", Budget: f.budget}}
}

func (f *fakeLoop) SetBudget(d time.Duration) {
	f.mu.Lock()
	f.budget = d
	f.mu.Unlock()
}

type fakeStore struct {
	storage.Store
	recs []storage.PassRecord
	err  error
}

func (f *fakeStore) RecentPasses(_ context.Context, limit int) ([]storage.PassRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.recs) > limit {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func do(t *testing.T, h http.Handler, method, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Auth(t *testing.T) {
	t.Parallel()

	h := NewHandler(Deps{Loop: &fakeLoop{}}, "s3cret")
	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{name: "no token", target: "/healthz", want: http.StatusUnauthorized},
		{name: "bearer", target: "/healthz", auth: "s3cret", want: http.StatusOK},
		{name: "wrong bearer", target: "/healthz", auth: "nope", want: http.StatusUnauthorized},
		{name: "query", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "wrong query wins over bearer", target: "/healthz?token=x", auth: "s3cret", want: http.StatusUnauthorized},
		{name: "pprof index", target: "/debug/pprof/", auth: "s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := do(t, h, http.MethodGet, tt.target, tt.auth).Code; got != tt.want {
				t.Fatalf("status=%d want %d", got, tt.want)
			}
		})
	}
}

func TestHandler_Buildtree(t *testing.T) {
	t.Parallel()

	store := &fakeStore{recs: []storage.PassRecord{{Seq: 3, Ran: 2}, {Seq: 2, Ran: 5}, {Seq: 1, Ran: 1}}}
	h := NewHandler(Deps{
		Loop:  &fakeLoop{budget: 40 * time.Millisecond},
		Store: store,
		Extra: func() map[string]any { return map[string]any{"workloads": []string{"menu"}} },
	}, "")

	rec := do(t, h, http.MethodGet, "/debug/buildtree?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	var got struct {
		Loop   uithread.Snapshot    `json:"loop"`
		Recent []storage.PassRecord `json:"recent"`
		Extra  map[string][]string  `json:"extra"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Loop.Scheduler.Budget != 40*time.Millisecond {
		t.Fatalf("budget=%v", got.Loop.Scheduler.Budget)
	}
	var seqs []uint64
	for _, r := range got.Recent {
		seqs = append(seqs, r.Seq)
	}
	if diff := cmp.Diff([]uint64{3, 2}, seqs); diff != "" {
		t.Fatalf("recent seqs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"workloads": {"menu"}}, got.Extra); diff != "" {
		t.Fatalf("extra (-want +got):\n%s", diff)
	}

	if rec := do(t, h, http.MethodGet, "/debug/buildtree?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status=%d", rec.Code)
	}
}

func TestHandler_BuildtreeStoreError(t *testing.T) {
	t.Parallel()

	h := NewHandler(Deps{Loop: &fakeLoop{}, Store: &fakeStore{err: errors.New("disk gone")}}, "")
	rec := do(t, h, http.MethodGet, "/debug/buildtree", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["recent_error"] != "disk gone" {
		t.Fatalf("recent_error=%v", got["recent_error"])
	}
}

func TestHandler_SetBudget(t *testing.T) {
	t.Parallel()

	loop := &fakeLoop{budget: 40 * time.Millisecond}
	h := NewHandler(Deps{Loop: loop}, "")

	rec := do(t, h, http.MethodPost, "/debug/buildtree/budget?ms=16", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	var got map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["budget_ms"] != 16 {
		t.Fatalf("budget_ms=%d", got["budget_ms"])
	}

	for _, target := range []string{"/debug/buildtree/budget", "/debug/buildtree/budget?ms=abc", "/debug/buildtree/budget?ms=-1", "/debug/buildtree/budget?ms=20000"} {
		if rec := do(t, h, http.MethodPost, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", target, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/debug/buildtree/budget?ms=5", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}
	if b := loop.Snapshot().Scheduler.Budget; b != 16*time.Millisecond {
		t.Fatalf("budget=%v, want 16ms", b)
	}
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1}, Deps{Loop: &fakeLoop{}}, nopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatal("empty addr after start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	svc.Stop(ctx)
	if svc.Addr() != "" {
		t.Fatalf("addr=%q after stop", svc.Addr())
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still answering after stop")
	}
}

func TestService_RefusesInsecureBind(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Loop: &fakeLoop{}}, nopLogger())
	if err := svc.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err=%v, want ErrInsecureBind", err)
	}
	if svc.Addr() != "" {
		t.Fatal("server started")
	}
}

func TestService_ReconfigureDisable(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, Deps{Loop: &fakeLoop{}}, nopLogger())
	ctx := context.Background()
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1}
	if err := svc.Reconfigure(ctx, cfg); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if svc.Addr() == "" {
		t.Fatal("not started")
	}
	cfg.Enabled = false
	if err := svc.Reconfigure(ctx, cfg); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if svc.Addr() != "" {
		t.Fatal("still running after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.2:6060":  false,
		"bogus":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

func nopLogger() logx.Logger { return logx.Nop() }
