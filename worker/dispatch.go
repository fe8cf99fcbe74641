package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/sink"
	"github.com/pithecene-io/sandbox/store"
)

// HandleDispatchResult delivers a chunk of analysis results to the sink
// configured for their connector.
//
// Rows already marked dispatched are skipped, so a chunk can be retried
// safely: dispatch is at-least-once with the dispatched flag guarding
// idempotence. The flag is only set after a successful sink append.
func (w *Worker) HandleDispatchResult(ctx context.Context, t *asynq.Task) error {
	var p queue.DispatchResultPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.dispatchResult(ctx, p.ResultIDs)
}

func (w *Worker) dispatchResult(ctx context.Context, resultIDs []int64) error {
	w.logger.Debug("dispatch_result", map[string]any{"results": len(resultIDs)})

	results, err := w.store.ResultsByIDs(ctx, resultIDs)
	if err != nil {
		return err
	}

	pending := results[:0]
	for _, r := range results {
		if !r.Dispatched {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// All results in a chunk come from the same analysis, hence the same
	// connector and the same sink. The batcher maintains that invariant.
	connectorName := pending[0].ConnectorName
	sinkCfg, ok := w.cfg.SinkFor(connectorName)
	if !ok {
		w.logger.Warn("no sink mapped to connector; dropping dispatch", map[string]any{
			"connector": connectorName,
		})
		return nil
	}

	w.logger.Debug("sending results to sink", map[string]any{
		"results": len(pending),
		"sink":    sinkCfg.String(),
	})

	switch sinkCfg.Kind {
	case config.KindFeed:
		if err := w.dispatchToFeed(ctx, sinkCfg.ID, pending); err != nil {
			w.logger.Error("feed dispatch failed", map[string]any{
				"feed_id": sinkCfg.ID,
				"error":   err.Error(),
			})
			// Rows stay dispatched=false; the retried chunk picks them up.
			return err
		}
	case config.KindWatchlist:
		w.logger.Warn("watchlist dispatch is not yet implemented", map[string]any{
			"watchlist_id": sinkCfg.ID,
		})
	default:
		return fmt.Errorf("dispatch_result: unknown sink kind %q", sinkCfg.Kind)
	}

	ids := make([]int64, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.ID)
	}
	return w.store.MarkDispatched(ctx, ids)
}

// dispatchToFeed packages the results as reports and appends them to the
// feed in one call.
func (w *Worker) dispatchToFeed(ctx context.Context, feedID string, results []*store.AnalysisResult) error {
	reports := make([]sink.Report, 0, len(results))
	for _, r := range results {
		iocs := make([]map[string]any, 0, len(r.IOCs))
		for _, ioc := range r.IOCs {
			iocs = append(iocs, ioc.AsDict())
		}
		reports = append(reports, sink.Report{
			ID:          strconv.FormatInt(r.ID, 10),
			Timestamp:   r.ScanTime.Unix(),
			Title:       r.ConnectorName,
			Description: r.AnalysisName,
			Severity:    r.Score,
			IOCsV2:      iocs,
		})
	}
	return w.feed.AppendReports(ctx, feedID, reports)
}

// HandleFlushBinary evicts a binary's cache entry: both the byte blob and
// the refcount key are deleted, and the binary row flips back to
// unavailable. A later analysis request re-downloads the bytes.
func (w *Worker) HandleFlushBinary(ctx context.Context, t *asynq.Task) error {
	var p queue.FlushBinaryPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.flushBinary(ctx, p.SHA256)
}

func (w *Worker) flushBinary(ctx context.Context, sha256 string) error {
	w.logger.Debug("flush_binary", map[string]any{"sha256": sha256})

	if err := w.cache.Delete(ctx, store.DataKey(sha256), store.CountKey(sha256)); err != nil {
		return err
	}
	return w.store.SetBinaryAvailable(ctx, sha256, false)
}
