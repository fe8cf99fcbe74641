package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx/types"

	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/store"
)

// HandleAnalyzeBinary fans a cached binary out to every available
// connector: it seeds the binary's refcount and enqueues one analysis job
// per connector under the per-binary timeout.
//
// The refcount MUST be seeded before any analysis job is enqueued, so that
// even a fast-failing analysis decrements an initialized counter.
func (w *Worker) HandleAnalyzeBinary(ctx context.Context, t *asynq.Task) error {
	var p queue.AnalyzeBinaryPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.analyzeBinary(ctx, p.SHA256)
}

func (w *Worker) analyzeBinary(ctx context.Context, sha256 string) error {
	w.logger.Debug("analyzing binary", map[string]any{"sha256": sha256})

	bin, err := w.store.BinaryBySHA256(ctx, sha256)
	if err != nil {
		return err
	}
	if bin == nil {
		return fmt.Errorf("analyze_binary: unknown binary %s", sha256)
	}

	conns := w.registry.Connectors()
	if err := w.cache.SetCount(ctx, bin.CountKey(), int64(len(conns))); err != nil {
		return err
	}

	if len(conns) == 0 {
		// No connectors will ever decrement the refcount, so nothing
		// would evict the cache entry. Flush it now.
		w.logger.Warn("no connectors available, flushing binary", map[string]any{
			"sha256": sha256,
		})
		_, err := w.enq.FlushBinary(ctx, sha256)
		return err
	}

	for _, conn := range conns {
		w.logger.Debug("enqueueing connector analysis", map[string]any{
			"connector": conn.Name(),
			"sha256":    sha256,
		})
		if _, err := w.enq.RunConnector(ctx, conn.Name(), sha256, w.cfg.BinaryTimeout.Duration); err != nil {
			return err
		}
	}
	return nil
}

// HandleRunConnector runs one connector against one cached binary: it
// drains the connector's findings, persists each as an analysis result,
// batches result IDs into dispatch chunks, and decrements the binary's
// refcount, scheduling cache eviction when it reaches zero.
//
// On per-job timeout, buffered result IDs are salvaged into a final
// dispatch chunk before the job is failed; results produced before the
// timeout are never lost. The refcount is deliberately not decremented on
// timeout, matching the failure semantics of every other mid-job abort.
func (w *Worker) HandleRunConnector(ctx context.Context, t *asynq.Task) error {
	var p queue.RunConnectorPayload
	if err := queue.DecodePayload(t.Payload(), &p); err != nil {
		return err
	}
	return w.runConnector(ctx, p.Connector, p.SHA256, p.JobID)
}

func (w *Worker) runConnector(ctx context.Context, name, sha256, jobID string) error {
	logger := w.logger.WithJob(queue.QueueAnalysis, queue.TypeRunConnector, jobID)
	logger.Info("analyzing binary", map[string]any{
		"connector": name,
		"sha256":    sha256,
	})

	conn, ok := w.registry.Get(name)
	if !ok {
		// The fan-out enumerated this connector, so it has since become
		// unavailable. The refcount still counts this job; decrement so
		// the cache entry is not pinned forever.
		w.finishRefcount(ctx, logger, sha256)
		return fmt.Errorf("run_connector: unknown or unavailable connector %q", name)
	}

	bin, err := w.store.BinaryBySHA256(ctx, sha256)
	if err != nil {
		return err
	}
	if bin == nil {
		return fmt.Errorf("run_connector: unknown binary %s", sha256)
	}

	data, err := w.cache.Get(ctx, bin.DataKey())
	if err != nil {
		return err
	}

	_, sinkConfigured := w.cfg.SinkFor(name)
	if !sinkConfigured {
		logger.Warn("no sink mapped to this connector; not dispatching results", map[string]any{
			"connector": name,
		})
	}

	batcher := newResultBatcher(w.cfg.FeedSize)
	drainErr := w.drainFindings(ctx, conn, bin, jobID, data, batcher, sinkConfigured)

	if drainErr != nil {
		if errors.Is(drainErr, context.DeadlineExceeded) {
			// Timeout salvage: whatever was buffered but not yet chunked
			// still reaches the dispatcher. The job is failed regardless.
			w.salvageLeftovers(context.WithoutCancel(ctx), logger, name, batcher, sinkConfigured)
			return fmt.Errorf("%s: analysis of %s timed out: %w", name, sha256, drainErr)
		}
		// Raw failure: no leftover semantics. Chunks already enqueued
		// stand; unflushed partial results are lost.
		return fmt.Errorf("%s: analysis of %s failed: %w", name, sha256, drainErr)
	}

	if leftover := batcher.Take(); len(leftover) > 0 && sinkConfigured {
		if _, err := w.enq.DispatchResult(ctx, leftover); err != nil {
			return err
		}
	}

	w.finishRefcount(ctx, logger, sha256)
	return nil
}

// drainFindings consumes the connector's lazy finding sequence, persisting
// each finding and enqueueing a dispatch chunk whenever the batch window
// fills. Without a configured sink the sequence is still drained (to
// realize its side effects) but chunks are discarded instead of enqueued.
// The per-job timeout may interrupt any step.
func (w *Worker) drainFindings(ctx context.Context, conn connector.Connector, bin *store.Binary,
	jobID string, data []byte, batcher *resultBatcher, sinkConfigured bool) error {
	for finding, ferr := range conn.Analyze(ctx, bin, data) {
		if ferr != nil {
			return ferr
		}

		result, err := w.persistFinding(ctx, bin, conn.Name(), jobID, finding)
		if err != nil {
			return err
		}
		batcher.Add(result.ID)

		if batcher.Full() {
			chunk := batcher.Take()
			if sinkConfigured {
				if _, err := w.enq.DispatchResult(ctx, chunk); err != nil {
					return err
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// finishRefcount decrements the binary's refcount and enqueues cache
// eviction when this job was the last outstanding analysis. A negative
// refcount should never happen; it is logged and otherwise ignored so the
// worker never crashes over it.
func (w *Worker) finishRefcount(ctx context.Context, logger *log.Logger, sha256 string) {
	refcount, err := w.cache.DecrCount(ctx, store.CountKey(sha256))
	if err != nil {
		logger.Error("cannot decrement refcount", map[string]any{
			"sha256": sha256,
			"error":  err.Error(),
		})
		return
	}

	switch {
	case refcount == 0:
		if _, err := w.enq.FlushBinary(ctx, sha256); err != nil {
			logger.Error("cannot enqueue binary flush", map[string]any{
				"sha256": sha256,
				"error":  err.Error(),
			})
		}
	case refcount < 0:
		logger.Warn("weird: refcount < 0 for cached binary", map[string]any{
			"sha256":   sha256,
			"refcount": refcount,
		})
	default:
		logger.Info("binary has references remaining", map[string]any{
			"sha256":   sha256,
			"refcount": refcount,
		})
	}
}

// salvageLeftovers enqueues a final dispatch chunk for any buffered result
// IDs. Called with a context detached from the expired job deadline.
func (w *Worker) salvageLeftovers(ctx context.Context, logger *log.Logger, name string,
	batcher *resultBatcher, sinkConfigured bool) {
	leftover := batcher.Take()
	if len(leftover) == 0 || !sinkConfigured {
		return
	}
	logger.Info("dispatching leftover results after timeout", map[string]any{
		"connector": name,
		"results":   len(leftover),
	})
	if _, err := w.enq.DispatchResult(ctx, leftover); err != nil {
		logger.Error("cannot dispatch leftover results", map[string]any{
			"connector": name,
			"error":     err.Error(),
		})
	}
}

// persistFinding creates the AnalysisResult row (and its IOCs) for one
// finding, normalized and stamped with the producing job.
func (w *Worker) persistFinding(ctx context.Context, bin *store.Binary, connName, jobID string,
	f *connector.Finding) (*store.AnalysisResult, error) {
	payload := types.JSONText("{}")
	if f.Payload != nil {
		raw, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal payload: %w", connName, err)
		}
		payload = types.JSONText(raw)
	}

	result := &store.AnalysisResult{
		SHA256:        bin.SHA256,
		ConnectorName: connName,
		AnalysisName:  f.AnalysisName,
		Score:         connector.NormalizeScore(f.Score),
		Error:         f.Error,
		Payload:       payload,
		JobID:         jobID,
		IOCs:          f.IOCs,
	}
	if err := w.store.CreateResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}
