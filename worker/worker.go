// Package worker implements the pipelined job engine: request ingestion,
// UBS resolution, download and caching, fan-out to connectors, result
// aggregation, and dispatch to sinks.
//
// Each stage is a task handler on one of the four named queues. Stages
// communicate only by enqueueing the next stage's task; there are no
// in-process waits between stages.
package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/queue"
	"github.com/pithecene-io/sandbox/sink"
	"github.com/pithecene-io/sandbox/store"
	"github.com/pithecene-io/sandbox/ubs"
)

// Store is the slice of the persistent store the pipeline needs.
type Store interface {
	BinaryBySHA256(ctx context.Context, sha256 string) (*store.Binary, error)
	SetBinaryAvailable(ctx context.Context, sha256 string, available bool) error
	FilterAvailable(ctx context.Context, hashes []string) ([]string, error)
	CreateResult(ctx context.Context, r *store.AnalysisResult) error
	ResultsByIDs(ctx context.Context, ids []int64) ([]*store.AnalysisResult, error)
	MarkDispatched(ctx context.Context, ids []int64) error
}

// Cache is the slice of the binary cache the pipeline needs.
type Cache interface {
	Set(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SetCount(ctx context.Context, key string, n int64) error
	DecrCount(ctx context.Context, key string) (int64, error)
}

// Enqueuer submits follow-up pipeline tasks.
type Enqueuer interface {
	FetchBinaries(ctx context.Context, hashes []string) (string, error)
	DownloadBinary(ctx context.Context, sha256, url string, retry int) (string, error)
	AnalyzeBinary(ctx context.Context, sha256 string) (string, error)
	RunConnector(ctx context.Context, connector, sha256 string, timeout time.Duration) (string, error)
	FlushBinary(ctx context.Context, sha256 string) (string, error)
	DispatchResult(ctx context.Context, resultIDs []int64) (string, error)
}

// Resolver is the slice of the UBS client the pipeline needs.
type Resolver interface {
	Resolve(ctx context.Context, hashes []string) *ubs.Downloads
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Feed appends dispatched reports downstream.
type Feed interface {
	AppendReports(ctx context.Context, feedID string, reports []sink.Report) error
}

// Registry exposes the connector set.
type Registry interface {
	Get(name string) (connector.Connector, bool)
	Connectors() []connector.Connector
}

// Worker holds the pipeline's collaborators and implements its task
// handlers.
type Worker struct {
	cfg      *config.Config
	logger   *log.Logger
	store    Store
	cache    Cache
	enq      Enqueuer
	ubs      Resolver
	feed     Feed
	registry Registry

	// download performs binary downloads; overridable in tests.
	download *http.Client
}

// New creates a worker over the given collaborators.
func New(cfg *config.Config, logger *log.Logger, st Store, ca Cache, enq Enqueuer,
	resolver Resolver, feed Feed, registry Registry) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		cache:    ca,
		enq:      enq,
		ubs:      resolver,
		feed:     feed,
		registry: registry,
		download: &http.Client{Timeout: cfg.BinaryTimeout.Duration},
	}
}

// RegisterHandlers wires the worker's task handlers into the mux.
func (w *Worker) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeFetchBinaries, w.HandleFetchBinaries)
	mux.HandleFunc(queue.TypeFetchQuery, w.HandleFetchQuery)
	mux.HandleFunc(queue.TypeDownloadBinary, w.HandleDownloadBinary)
	mux.HandleFunc(queue.TypeAnalyzeBinary, w.HandleAnalyzeBinary)
	mux.HandleFunc(queue.TypeRunConnector, w.HandleRunConnector)
	mux.HandleFunc(queue.TypeFlushBinary, w.HandleFlushBinary)
	mux.HandleFunc(queue.TypeDispatchResult, w.HandleDispatchResult)
}

// NewServer builds the asynq server consuming all four queues with a shared
// worker pool. Every failed task is logged with its type and error; the
// queues keep running.
func NewServer(opt asynq.RedisConnOpt, cfg *config.Config, logger *log.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			queue.QueueRetrieval: 1,
			queue.QueueAnalysis:  1,
			queue.QueueCleanup:   1,
			queue.QueueDispatch:  1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", map[string]any{
				"task":  task.Type(),
				"error": err.Error(),
			})
		}),
	})
}
