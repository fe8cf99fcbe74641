package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pithecene-io/sandbox/store"
	"github.com/pithecene-io/sandbox/ubs"
)

func TestFetchBinaries_FanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.downloads = &ubs.Downloads{
		Found: []ubs.FoundBinary{
			{SHA256: "aa", URL: "https://dl/aa"},
			{SHA256: "bb", URL: "https://dl/bb"},
		},
		Error:    []string{"cc"},
		NotFound: []string{"dd"},
	}

	if err := env.w.fetchBinaries(context.Background(), []string{"aa", "bb", "cc", "dd"}); err != nil {
		t.Fatalf("fetchBinaries failed: %v", err)
	}

	if len(env.enq.downloads) != 2 {
		t.Fatalf("expected 2 downloads, got %d", len(env.enq.downloads))
	}
	if env.enq.downloads[0].sha256 != "aa" || env.enq.downloads[0].url != "https://dl/aa" {
		t.Errorf("unexpected download: %+v", env.enq.downloads[0])
	}
	if env.enq.downloads[0].retry != env.cfg.BinaryFetchMaxRetry {
		t.Errorf("expected retry budget %d, got %d",
			env.cfg.BinaryFetchMaxRetry, env.enq.downloads[0].retry)
	}

	// The error bucket goes back on the retrieval queue.
	if len(env.enq.fetched) != 1 || len(env.enq.fetched[0]) != 1 || env.enq.fetched[0][0] != "cc" {
		t.Errorf("expected re-enqueue of [cc], got %v", env.enq.fetched)
	}
}

func TestFetchBinaries_AlreadyAvailableSkipsResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBinary("aa", []byte("data"))

	if err := env.w.fetchBinaries(context.Background(), []string{"aa"}); err != nil {
		t.Fatalf("fetchBinaries failed: %v", err)
	}
	if len(env.resolver.resolved) != 0 {
		t.Error("UBS should not be consulted when everything is available")
	}
	if len(env.enq.downloads) != 0 {
		t.Errorf("expected no downloads, got %v", env.enq.downloads)
	}
}

func TestFetchBinaries_FiltersAvailableFromResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBinary("aa", []byte("data"))

	if err := env.w.fetchBinaries(context.Background(), []string{"aa", "bb"}); err != nil {
		t.Fatalf("fetchBinaries failed: %v", err)
	}
	if len(env.resolver.resolved) != 1 {
		t.Fatalf("expected 1 resolve call, got %d", len(env.resolver.resolved))
	}
	if len(env.resolver.resolved[0]) != 1 || env.resolver.resolved[0][0] != "bb" {
		t.Errorf("expected only bb to be resolved, got %v", env.resolver.resolved[0])
	}
}

func TestFetchQuery_Chunks(t *testing.T) {
	env := newTestEnv(t, nil)
	hashes := make([]string, 25)
	for i := range hashes {
		hashes[i] = string(rune('a' + i))
	}
	env.resolver.searchHashes = hashes

	env.w.fetchQuery(context.Background(), "process_name:evil.exe", 100)

	if len(env.enq.fetched) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(env.enq.fetched))
	}
	if len(env.enq.fetched[0]) != 10 || len(env.enq.fetched[1]) != 10 || len(env.enq.fetched[2]) != 5 {
		t.Errorf("unexpected chunk sizes: %d/%d/%d",
			len(env.enq.fetched[0]), len(env.enq.fetched[1]), len(env.enq.fetched[2]))
	}
}

func TestFetchQuery_SearchErrorSwallowed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.resolver.searchErr = context.DeadlineExceeded

	// Scheduled jobs must not crash the queue on upstream failure.
	env.w.fetchQuery(context.Background(), "q", 0)

	if len(env.enq.fetched) != 0 {
		t.Errorf("expected no enqueues after search failure, got %v", env.enq.fetched)
	}
}

func TestDownloadBinary_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x4d, 0x5a})
	}))
	defer srv.Close()

	env := newTestEnv(t, nil)
	if err := env.w.downloadBinary(context.Background(), "aa", srv.URL, 3); err != nil {
		t.Fatalf("downloadBinary failed: %v", err)
	}

	data, ok := env.cache.data[store.DataKey("aa")]
	if !ok || len(data) != 2 {
		t.Errorf("expected cached bytes, got %v", data)
	}
	b := env.store.binaries["aa"]
	if b == nil || !b.Available {
		t.Error("expected binary marked available")
	}
	// Analysis is chained only after the bytes are cached.
	if len(env.enq.analyzed) != 1 || env.enq.analyzed[0] != "aa" {
		t.Errorf("expected analyze_binary for aa, got %v", env.enq.analyzed)
	}
}

func TestDownloadBinary_404Retries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, nil)
	if err := env.w.downloadBinary(context.Background(), "aa", srv.URL, 2); err != nil {
		t.Fatalf("downloadBinary should swallow a retriable 404, got %v", err)
	}

	if len(env.enq.downloads) != 1 {
		t.Fatalf("expected 1 re-enqueued download, got %d", len(env.enq.downloads))
	}
	if env.enq.downloads[0].retry != 1 {
		t.Errorf("expected decremented retry=1, got %d", env.enq.downloads[0].retry)
	}
	if len(env.enq.analyzed) != 0 {
		t.Error("analysis must not be chained on a failed download")
	}
}

func TestDownloadBinary_404Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, nil)
	if err := env.w.downloadBinary(context.Background(), "aa", srv.URL, 0); err == nil {
		t.Fatal("expected error when the retry budget is exhausted")
	}
	if len(env.enq.downloads) != 0 {
		t.Errorf("expected no re-enqueue, got %v", env.enq.downloads)
	}
}

func TestDownloadBinary_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, nil)
	if err := env.w.downloadBinary(context.Background(), "aa", srv.URL, 3); err == nil {
		t.Fatal("expected error for 500 response")
	}
	if len(env.enq.downloads) != 0 {
		t.Error("only 404 is retriable")
	}
	if len(env.enq.analyzed) != 0 {
		t.Error("analysis must not be chained on a failed download")
	}
}
