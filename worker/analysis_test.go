package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/store"
)

func TestAnalyzeBinary_FanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	env.registry.conns = []connector.Connector{
		&scriptedConnector{name: "null"},
		&scriptedConnector{name: "yara"},
	}

	if err := env.w.analyzeBinary(context.Background(), "aa"); err != nil {
		t.Fatalf("analyzeBinary failed: %v", err)
	}

	// The refcount is seeded with the connector count before any job is
	// enqueued.
	if env.cache.counts[bin.CountKey()] != 2 {
		t.Errorf("expected refcount=2, got %d", env.cache.counts[bin.CountKey()])
	}
	if len(env.enq.runs) != 2 {
		t.Fatalf("expected 2 connector jobs, got %d", len(env.enq.runs))
	}
	if env.enq.runs[0].connector != "null" || env.enq.runs[1].connector != "yara" {
		t.Errorf("unexpected fan-out order: %+v", env.enq.runs)
	}
	if env.enq.runs[0].timeout != env.cfg.BinaryTimeout.Duration {
		t.Errorf("expected per-job timeout %v, got %v",
			env.cfg.BinaryTimeout.Duration, env.enq.runs[0].timeout)
	}
}

func TestAnalyzeBinary_NoConnectorsFlushes(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))

	if err := env.w.analyzeBinary(context.Background(), "aa"); err != nil {
		t.Fatalf("analyzeBinary failed: %v", err)
	}

	if env.cache.counts[bin.CountKey()] != 0 {
		t.Errorf("expected refcount=0, got %d", env.cache.counts[bin.CountKey()])
	}
	// With nothing to decrement the refcount, the cache entry would be
	// pinned forever; flush immediately instead.
	if len(env.enq.flushed) != 1 || env.enq.flushed[0] != "aa" {
		t.Errorf("expected immediate flush, got %v", env.enq.flushed)
	}
}

func TestAnalyzeBinary_UnknownBinary(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.w.analyzeBinary(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown binary")
	}
}

func TestRunConnector_BatchesAndDispatches(t *testing.T) {
	env := newTestEnv(t, nil) // feed_size=2, sink for "null"
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 2
	conn := &scriptedConnector{name: "null", findings: findings(5)}
	env.registry.conns = []connector.Connector{conn}

	if err := env.w.runConnector(context.Background(), "null", "aa", "job-1"); err != nil {
		t.Fatalf("runConnector failed: %v", err)
	}

	if len(env.store.created) != 5 {
		t.Fatalf("expected 5 persisted results, got %d", len(env.store.created))
	}
	for i, r := range env.store.created {
		if r.SHA256 != "aa" || r.ConnectorName != "null" || r.JobID != "job-1" {
			t.Errorf("result %d mis-stamped: %+v", i, r)
		}
	}

	// feed_size=2 over 5 results: two full chunks plus the leftover.
	if len(env.enq.dispatched) != 3 {
		t.Fatalf("expected 3 dispatch chunks, got %v", env.enq.dispatched)
	}
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	for i, chunk := range want {
		got := env.enq.dispatched[i]
		if len(got) != len(chunk) {
			t.Errorf("chunk %d: got %v, want %v", i, got, chunk)
			continue
		}
		for j := range chunk {
			if got[j] != chunk[j] {
				t.Errorf("chunk %d: got %v, want %v", i, got, chunk)
				break
			}
		}
	}

	// One observer left; no flush yet.
	if env.cache.counts[bin.CountKey()] != 1 {
		t.Errorf("expected refcount=1, got %d", env.cache.counts[bin.CountKey()])
	}
	if len(env.enq.flushed) != 0 {
		t.Errorf("expected no flush, got %v", env.enq.flushed)
	}
}

func TestRunConnector_LastObserverFlushes(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 1
	env.registry.conns = []connector.Connector{
		&scriptedConnector{name: "null", findings: findings(1)},
	}

	if err := env.w.runConnector(context.Background(), "null", "aa", "job-1"); err != nil {
		t.Fatalf("runConnector failed: %v", err)
	}

	if env.cache.counts[bin.CountKey()] != 0 {
		t.Errorf("expected refcount=0, got %d", env.cache.counts[bin.CountKey()])
	}
	if len(env.enq.flushed) != 1 || env.enq.flushed[0] != "aa" {
		t.Errorf("expected flush of aa, got %v", env.enq.flushed)
	}
}

func TestRunConnector_NoSinkDiscardsChunks(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.ResultSinks = nil })
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 1
	env.registry.conns = []connector.Connector{
		&scriptedConnector{name: "null", findings: findings(5)},
	}

	if err := env.w.runConnector(context.Background(), "null", "aa", "job-1"); err != nil {
		t.Fatalf("runConnector failed: %v", err)
	}

	// Results are still persisted and the refcount still settles; only the
	// dispatch is skipped.
	if len(env.store.created) != 5 {
		t.Errorf("expected 5 persisted results, got %d", len(env.store.created))
	}
	if len(env.enq.dispatched) != 0 {
		t.Errorf("expected no dispatch without a sink, got %v", env.enq.dispatched)
	}
	if len(env.enq.flushed) != 1 {
		t.Errorf("expected flush, got %v", env.enq.flushed)
	}
}

func TestRunConnector_ScoreNormalized(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 1
	env.registry.conns = []connector.Connector{
		&scriptedConnector{name: "null", findings: []*connector.Finding{
			{AnalysisName: "pass", Score: 100},
		}},
	}

	if err := env.w.runConnector(context.Background(), "null", "aa", "job-1"); err != nil {
		t.Fatalf("runConnector failed: %v", err)
	}
	if env.store.created[0].Score != 10 {
		t.Errorf("expected normalized score=10, got %d", env.store.created[0].Score)
	}
}

func TestRunConnector_TimeoutSalvagesLeftovers(t *testing.T) {
	env := newTestEnv(t, nil) // feed_size=2
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 2
	env.registry.conns = []connector.Connector{
		&scriptedConnector{
			name:       "null",
			findings:   findings(5),
			waitForCtx: true,
			waitAfter:  3,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := env.w.runConnector(ctx, "null", "aa", "job-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error should say the analysis timed out, got %v", err)
	}

	// Three findings landed before the deadline: one full chunk plus the
	// salvaged leftover.
	if len(env.store.created) != 3 {
		t.Fatalf("expected 3 persisted results, got %d", len(env.store.created))
	}
	if len(env.enq.dispatched) != 2 {
		t.Fatalf("expected 2 dispatch chunks, got %v", env.enq.dispatched)
	}
	if len(env.enq.dispatched[0]) != 2 || len(env.enq.dispatched[1]) != 1 {
		t.Errorf("expected chunks [1 2] [3], got %v", env.enq.dispatched)
	}

	// Timeouts do not decrement the refcount.
	if env.cache.counts[bin.CountKey()] != 2 {
		t.Errorf("expected refcount untouched at 2, got %d", env.cache.counts[bin.CountKey()])
	}
	if len(env.enq.flushed) != 0 {
		t.Errorf("expected no flush on timeout, got %v", env.enq.flushed)
	}
}

func TestRunConnector_FailureSkipsSalvage(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 2
	env.registry.conns = []connector.Connector{
		&scriptedConnector{
			name:      "null",
			findings:  findings(5),
			failAfter: 1,
			failWith:  errors.New("scanner exploded"),
		},
	}

	err := env.w.runConnector(context.Background(), "null", "aa", "job-1")
	if err == nil || !strings.Contains(err.Error(), "scanner exploded") {
		t.Fatalf("expected wrapped connector error, got %v", err)
	}

	// Only the buffered leftover is lost; no salvage for raw failures.
	if len(env.enq.dispatched) != 0 {
		t.Errorf("expected no dispatch, got %v", env.enq.dispatched)
	}
	if env.cache.counts[bin.CountKey()] != 2 {
		t.Errorf("expected refcount untouched, got %d", env.cache.counts[bin.CountKey()])
	}
}

func TestRunConnector_UnavailableConnectorDecrements(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	env.cache.counts[bin.CountKey()] = 1

	err := env.w.runConnector(context.Background(), "gone", "aa", "job-1")
	if err == nil {
		t.Fatal("expected error for unavailable connector")
	}

	// The fan-out counted this job, so it must still decrement; here it is
	// the last observer and triggers the flush.
	if env.cache.counts[bin.CountKey()] != 0 {
		t.Errorf("expected refcount=0, got %d", env.cache.counts[bin.CountKey()])
	}
	if len(env.enq.flushed) != 1 {
		t.Errorf("expected flush, got %v", env.enq.flushed)
	}
}

func TestRunConnector_NegativeRefcountTolerated(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := env.addBinary("aa", []byte("data"))
	// Refcount never seeded: decrement goes to -1.
	env.registry.conns = []connector.Connector{
		&scriptedConnector{name: "null", findings: findings(1)},
	}

	if err := env.w.runConnector(context.Background(), "null", "aa", "job-1"); err != nil {
		t.Fatalf("runConnector failed: %v", err)
	}
	if env.cache.counts[bin.CountKey()] != -1 {
		t.Errorf("expected refcount=-1, got %d", env.cache.counts[bin.CountKey()])
	}
	// Negative is logged as an anomaly, never flushed.
	if len(env.enq.flushed) != 0 {
		t.Errorf("expected no flush for negative refcount, got %v", env.enq.flushed)
	}
}

func TestPersistFinding_DefaultsPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	bin := &store.Binary{SHA256: "aa"}

	r, err := env.w.persistFinding(context.Background(), bin, "null", "job-1",
		&connector.Finding{AnalysisName: "pass", Score: 5})
	if err != nil {
		t.Fatalf("persistFinding failed: %v", err)
	}
	if string(r.Payload) != "{}" {
		t.Errorf("expected empty JSON payload, got %s", r.Payload)
	}
}
