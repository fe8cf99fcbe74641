package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Enqueuer submits pipeline tasks to their queues.
//
// Every task carries a fresh UUID as its job ID so jobs can be fetched and
// correlated later. Tasks do not auto-retry: retry decisions belong to the
// handlers (404 countdowns, UBS re-enqueues) — except dispatch, which leans
// on queue-level retry for at-least-once delivery.
type Enqueuer struct {
	client *asynq.Client
}

// dispatchMaxRetry is the queue-level retry budget for dispatch chunks.
// Safe to retry: dispatch skips rows already marked dispatched.
const dispatchMaxRetry = 5

// NewEnqueuer creates an enqueuer against the given Redis connection.
func NewEnqueuer(opt asynq.RedisConnOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opt)}
}

// Close releases the underlying client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

func (e *Enqueuer) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) (string, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	opts = append(opts, asynq.TaskID(jobID))

	task := asynq.NewTask(taskType, data)
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", taskType, err)
	}
	return jobID, nil
}

// FetchBinaries enqueues retrieval of the given hashes.
func (e *Enqueuer) FetchBinaries(ctx context.Context, hashes []string) (string, error) {
	return e.enqueue(ctx, TypeFetchBinaries,
		&FetchBinariesPayload{Hashes: hashes},
		asynq.Queue(QueueRetrieval), asynq.MaxRetry(0))
}

// FetchQuery enqueues resolution of a saved query.
func (e *Enqueuer) FetchQuery(ctx context.Context, query string, limit int) (string, error) {
	return e.enqueue(ctx, TypeFetchQuery,
		&FetchQueryPayload{Query: query, Limit: limit},
		asynq.Queue(QueueRetrieval), asynq.MaxRetry(0))
}

// DownloadBinary enqueues one binary download with the given 404-retry
// budget.
func (e *Enqueuer) DownloadBinary(ctx context.Context, sha256, url string, retry int) (string, error) {
	return e.enqueue(ctx, TypeDownloadBinary,
		&DownloadBinaryPayload{SHA256: sha256, URL: url, Retry: retry},
		asynq.Queue(QueueRetrieval), asynq.MaxRetry(0))
}

// AnalyzeBinary enqueues the fan-out job for a cached binary.
func (e *Enqueuer) AnalyzeBinary(ctx context.Context, sha256 string) (string, error) {
	return e.enqueue(ctx, TypeAnalyzeBinary,
		&AnalyzeBinaryPayload{SHA256: sha256},
		asynq.Queue(QueueAnalysis), asynq.MaxRetry(0))
}

// RunConnector enqueues one per-connector analysis job under the given
// timeout. Zero timeout means none. Returns the job ID stamped onto the
// connector's results.
func (e *Enqueuer) RunConnector(ctx context.Context, connector, sha256 string, timeout time.Duration) (string, error) {
	jobID := uuid.NewString()
	opts := []asynq.Option{
		asynq.Queue(QueueAnalysis),
		asynq.MaxRetry(0),
		asynq.TaskID(jobID),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}

	data, err := EncodePayload(&RunConnectorPayload{
		Connector: connector,
		SHA256:    sha256,
		JobID:     jobID,
	})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(TypeRunConnector, data)
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", TypeRunConnector, err)
	}
	return jobID, nil
}

// FlushBinary enqueues eviction of a binary's cache entry.
func (e *Enqueuer) FlushBinary(ctx context.Context, sha256 string) (string, error) {
	return e.enqueue(ctx, TypeFlushBinary,
		&FlushBinaryPayload{SHA256: sha256},
		asynq.Queue(QueueCleanup), asynq.MaxRetry(0))
}

// DispatchResult enqueues delivery of a chunk of result IDs.
func (e *Enqueuer) DispatchResult(ctx context.Context, resultIDs []int64) (string, error) {
	return e.enqueue(ctx, TypeDispatchResult,
		&DispatchResultPayload{ResultIDs: resultIDs},
		asynq.Queue(QueueDispatch), asynq.MaxRetry(dispatchMaxRetry))
}
