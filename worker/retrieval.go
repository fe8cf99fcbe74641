package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/store"
)

// searchChunkSize is how many hashes each fetch_binaries job covers when
// ingesting a saved query.
const searchChunkSize = 10

// HandleFetchBinaries resolves the requested hashes against the UBS and
// enqueues a download per found binary.
func (w *Worker) HandleFetchBinaries(ctx context.Context, t *asynq.Task) error {
	var p queue.FetchBinariesPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.fetchBinaries(ctx, p.Hashes)
}

func (w *Worker) fetchBinaries(ctx context.Context, hashes []string) error {
	w.logger.Debug("fetch_binaries", map[string]any{"hashes": len(hashes)})

	remaining, err := w.store.FilterAvailable(ctx, hashes)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		w.logger.Info("no hashes that aren't already available", nil)
		return nil
	}

	// Retrieval happens in two stages: resolve hashes to time-limited URLs
	// via the UBS, then download + cache each found binary. The analysis
	// fan-out is chained onto each successful download.
	downloads := w.ubs.Resolve(ctx, remaining)

	for _, found := range downloads.Found {
		if _, err := w.enq.DownloadBinary(ctx, found.SHA256, found.URL, w.cfg.BinaryFetchMaxRetry); err != nil {
			return err
		}
	}

	if len(downloads.Error) > 0 {
		w.logger.Info("retrying retrieval", map[string]any{
			"errored": len(downloads.Error),
			"total":   len(remaining),
		})
		if _, err := w.enq.FetchBinaries(ctx, downloads.Error); err != nil {
			return err
		}
	}

	if len(downloads.NotFound) > 0 {
		w.logger.Warn("no binaries found for hashes", map[string]any{
			"hashes": strings.Join(downloads.NotFound, ","),
		})
	}
	return nil
}

// HandleFetchQuery resolves a saved process-search query to hashes and
// enqueues their retrieval in chunks.
//
// This runs as a scheduled (cron) job, so failures must never crash the
// queue: errors are logged and swallowed.
func (w *Worker) HandleFetchQuery(ctx context.Context, t *asynq.Task) error {
	var p queue.FetchQueryPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	w.fetchQuery(ctx, p.Query, p.Limit)
	return nil
}

func (w *Worker) fetchQuery(ctx context.Context, query string, limit int) {
	w.logger.Debug("fetch_query", map[string]any{"query": query, "limit": limit})

	hashes, err := w.ubs.Search(ctx, query, limit)
	if err != nil {
		w.logger.Error("query search failed", map[string]any{
			"query": query,
			"error": err.Error(),
		})
		return
	}

	for start := 0; start < len(hashes); start += searchChunkSize {
		end := min(start+searchChunkSize, len(hashes))
		if _, err := w.enq.FetchBinaries(ctx, hashes[start:end]); err != nil {
			w.logger.Error("cannot enqueue retrieval chunk", map[string]any{
				"query": query,
				"error": err.Error(),
			})
			return
		}
	}
}

// HandleDownloadBinary downloads one binary from its UBS-supplied URL,
// writes the bytes to the cache, marks the binary available, and chains the
// analysis fan-out.
//
// A 404 with retries remaining re-enqueues the download with a decremented
// budget; the URL is time-limited and the store may not have materialized
// the binary yet. Any other non-OK status fails the job, which also cancels
// the analysis (it is only enqueued on success).
func (w *Worker) HandleDownloadBinary(ctx context.Context, t *asynq.Task) error {
	var p queue.DownloadBinaryPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.downloadBinary(ctx, p.SHA256, p.URL, p.Retry)
}

func (w *Worker) downloadBinary(ctx context.Context, sha256, url string, retry int) error {
	w.logger.Info("downloading binary", map[string]any{"sha256": sha256})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: build request: %w", sha256, err)
	}

	resp, err := w.download.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", sha256, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && retry > 0 {
			w.logger.Warn("download 404'd, retrying", map[string]any{
				"sha256":    sha256,
				"remaining": retry - 1,
			})
			_, err := w.enq.DownloadBinary(ctx, sha256, url, retry-1)
			return err
		}
		return fmt.Errorf("download failed for %s: status %d", sha256, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: read body: %w", sha256, err)
	}

	if err := w.cache.Set(ctx, store.DataKey(sha256), data); err != nil {
		return err
	}
	if err := w.store.SetBinaryAvailable(ctx, sha256, true); err != nil {
		return err
	}

	// Bytes are cached; the fan-out may start. Chaining here (instead of
	// enqueueing analysis alongside the download) guarantees analysis
	// never observes a missing cache entry, and a failed download never
	// spawns an analysis.
	_, err = w.enq.AnalyzeBinary(ctx, sha256)
	return err
}
