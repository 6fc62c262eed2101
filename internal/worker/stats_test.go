package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tailor/internal/types"
)

type mockStatsSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockStatsSource) GetStats(ctx context.Context) (*types.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.StoreStats{DocumentCount: 7, CollectionCount: 2, LastWrite: &now}, nil
}

func (m *mockStatsSource) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

// syncBuffer is a bytes.Buffer safe for the worker goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func runFor(w *StatsWorker, d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	<-done
}

func TestStatsWorker_ReportsOnStart(t *testing.T) {
	logs := captureLogs(t)
	source := &mockStatsSource{}

	runFor(NewStatsWorker(source, fixedCounter(3), time.Hour), 50*time.Millisecond)

	if source.getCalls() != 1 {
		t.Fatalf("GetStats calls = %d, want 1", source.getCalls())
	}

	var entry map[string]any
	line := strings.TrimSpace(logs.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["msg"] != "store stats" {
		t.Errorf("msg = %v, want store stats", entry["msg"])
	}
	if entry["documents"] != float64(7) || entry["listeners"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
	if entry["last_write"] != "2024-03-01T12:00:00Z" {
		t.Errorf("last_write = %v", entry["last_write"])
	}
}

func TestStatsWorker_ReportsOnInterval(t *testing.T) {
	captureLogs(t)
	source := &mockStatsSource{}

	runFor(NewStatsWorker(source, fixedCounter(0), 10*time.Millisecond), 100*time.Millisecond)

	if source.getCalls() < 3 {
		t.Errorf("GetStats calls = %d, want at least 3", source.getCalls())
	}
}

func TestStatsWorker_LogsFailures(t *testing.T) {
	logs := captureLogs(t)
	source := &mockStatsSource{err: errors.New("database is locked")}

	runFor(NewStatsWorker(source, fixedCounter(0), time.Hour), 50*time.Millisecond)

	if !strings.Contains(logs.String(), "stats collection failed") {
		t.Errorf("logs = %q, want failure entry", logs.String())
	}
}

func TestStatsWorker_StopsOnCancel(t *testing.T) {
	captureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewStatsWorker(&mockStatsSource{}, fixedCounter(0), time.Hour).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
