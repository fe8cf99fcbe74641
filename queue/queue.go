// Package queue provides the sandbox's work-queue substrate on top of asynq.
//
// Four named FIFO queues carry the pipeline: binary_retrieval,
// binary_analysis, binary_cleanup, and result_dispatch. Workers subscribe by
// queue name; control flow between stages is job-to-job enqueueing, never an
// in-process wait.
package queue

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Queue names. Exact strings: workers subscribe by name.
const (
	QueueRetrieval = "binary_retrieval"
	QueueAnalysis  = "binary_analysis"
	QueueCleanup   = "binary_cleanup"
	QueueDispatch  = "result_dispatch"
)

// Task type constants.
const (
	TypeFetchBinaries  = "retrieval:fetch_binaries"
	TypeFetchQuery     = "retrieval:fetch_query"
	TypeDownloadBinary = "retrieval:download_binary"
	TypeAnalyzeBinary  = "analysis:analyze_binary"
	TypeRunConnector   = "analysis:run_connector"
	TypeFlushBinary    = "cleanup:flush_binary"
	TypeDispatchResult = "dispatch:dispatch_result"
)

// FetchBinariesPayload asks the retrieval pipeline to resolve and download
// the given hashes.
type FetchBinariesPayload struct {
	Hashes []string `msgpack:"hashes"`
}

// FetchQueryPayload asks the retrieval pipeline to resolve the hashes
// matching a saved process-search query. Limit <= 0 means no limit.
type FetchQueryPayload struct {
	Query string `msgpack:"query"`
	Limit int    `msgpack:"limit"`
}

// DownloadBinaryPayload downloads one binary from its time-limited URL.
// Retry counts the 404 retries remaining.
type DownloadBinaryPayload struct {
	SHA256 string `msgpack:"sha256"`
	URL    string `msgpack:"url"`
	Retry  int    `msgpack:"retry"`
}

// AnalyzeBinaryPayload fans a cached binary out to every connector.
type AnalyzeBinaryPayload struct {
	SHA256 string `msgpack:"sha256"`
}

// RunConnectorPayload runs one connector against one cached binary.
// JobID is the 36-char job identity stamped onto every result the
// connector produces.
type RunConnectorPayload struct {
	Connector string `msgpack:"connector"`
	SHA256    string `msgpack:"sha256"`
	JobID     string `msgpack:"job_id"`
}

// FlushBinaryPayload evicts a binary's cache entry once its refcount
// reaches zero.
type FlushBinaryPayload struct {
	SHA256 string `msgpack:"sha256"`
}

// DispatchResultPayload delivers a chunk of result IDs to the sink
// configured for their connector. All IDs in one chunk belong to the same
// connector; the batcher maintains that invariant.
type DispatchResultPayload struct {
	ResultIDs []int64 `msgpack:"result_ids"`
}

// EncodePayload serializes a task payload.
func EncodePayload(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a task payload into v.
func DecodePayload(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("queue: decode payload: %w", err)
	}
	return nil
}
