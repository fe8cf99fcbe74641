package worker

import (
	"context"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/pithecene-io/sandbox/config"
	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/log"
	"github.com/pithecene-io/sandbox/sink"
	"github.com/pithecene-io/sandbox/store"
	"github.com/pithecene-io/sandbox/ubs"
)

// fakeStore implements Store in memory.
type fakeStore struct {
	binaries  map[string]*store.Binary
	available map[string]bool

	nextID  int64
	created []*store.AnalysisResult
	results map[int64]*store.AnalysisResult

	availCalls [][2]any // sha256, available
	marked     [][]int64

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		binaries:  map[string]*store.Binary{},
		available: map[string]bool{},
		results:   map[int64]*store.AnalysisResult{},
	}
}

func (f *fakeStore) BinaryBySHA256(ctx context.Context, sha256 string) (*store.Binary, error) {
	return f.binaries[sha256], nil
}

func (f *fakeStore) SetBinaryAvailable(ctx context.Context, sha256 string, available bool) error {
	f.availCalls = append(f.availCalls, [2]any{sha256, available})
	b, ok := f.binaries[sha256]
	if !ok {
		b = &store.Binary{ID: int64(len(f.binaries) + 1), SHA256: sha256}
		f.binaries[sha256] = b
	}
	b.Available = available
	return nil
}

func (f *fakeStore) FilterAvailable(ctx context.Context, hashes []string) ([]string, error) {
	seen := map[string]struct{}{}
	var remaining []string
	for _, h := range hashes {
		if b, ok := f.binaries[h]; ok && b.Available {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		remaining = append(remaining, h)
	}
	return remaining, nil
}

func (f *fakeStore) CreateResult(ctx context.Context, r *store.AnalysisResult) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	r.ID = f.nextID
	f.created = append(f.created, r)
	f.results[r.ID] = r
	return nil
}

func (f *fakeStore) ResultsByIDs(ctx context.Context, ids []int64) ([]*store.AnalysisResult, error) {
	var out []*store.AnalysisResult
	for _, id := range ids {
		if r, ok := f.results[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDispatched(ctx context.Context, ids []int64) error {
	f.marked = append(f.marked, ids)
	for _, id := range ids {
		if r, ok := f.results[id]; ok {
			r.Dispatched = true
		}
	}
	return nil
}

// fakeCache implements Cache in memory.
type fakeCache struct {
	data    map[string][]byte
	counts  map[string]int64
	deleted [][]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}, counts: map[string]int64{}}
}

func (f *fakeCache) Set(ctx context.Context, key string, data []byte) error {
	f.data[key] = data
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys)
	for _, k := range keys {
		delete(f.data, k)
		delete(f.counts, k)
	}
	return nil
}

func (f *fakeCache) SetCount(ctx context.Context, key string, n int64) error {
	f.counts[key] = n
	return nil
}

func (f *fakeCache) DecrCount(ctx context.Context, key string) (int64, error) {
	f.counts[key]--
	return f.counts[key], nil
}

// fakeEnqueuer records every pipeline enqueue.
type downloadCall struct {
	sha256 string
	url    string
	retry  int
}

type runCall struct {
	connector string
	sha256    string
	timeout   time.Duration
}

type fakeEnqueuer struct {
	fetched    [][]string
	downloads  []downloadCall
	analyzed   []string
	runs       []runCall
	flushed    []string
	dispatched [][]int64

	dispatchErr error
}

func (f *fakeEnqueuer) FetchBinaries(ctx context.Context, hashes []string) (string, error) {
	f.fetched = append(f.fetched, hashes)
	return "t", nil
}

func (f *fakeEnqueuer) DownloadBinary(ctx context.Context, sha256, url string, retry int) (string, error) {
	f.downloads = append(f.downloads, downloadCall{sha256, url, retry})
	return "t", nil
}

func (f *fakeEnqueuer) AnalyzeBinary(ctx context.Context, sha256 string) (string, error) {
	f.analyzed = append(f.analyzed, sha256)
	return "t", nil
}

func (f *fakeEnqueuer) RunConnector(ctx context.Context, conn, sha256 string, timeout time.Duration) (string, error) {
	f.runs = append(f.runs, runCall{conn, sha256, timeout})
	return "t", nil
}

func (f *fakeEnqueuer) FlushBinary(ctx context.Context, sha256 string) (string, error) {
	f.flushed = append(f.flushed, sha256)
	return "t", nil
}

func (f *fakeEnqueuer) DispatchResult(ctx context.Context, resultIDs []int64) (string, error) {
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	f.dispatched = append(f.dispatched, resultIDs)
	return "t", nil
}

// fakeResolver returns canned UBS responses.
type fakeResolver struct {
	downloads *ubs.Downloads
	resolved  [][]string

	searchHashes []string
	searchErr    error
	searched     []string
}

func (f *fakeResolver) Resolve(ctx context.Context, hashes []string) *ubs.Downloads {
	f.resolved = append(f.resolved, hashes)
	if f.downloads == nil {
		return &ubs.Downloads{}
	}
	return f.downloads
}

func (f *fakeResolver) Search(ctx context.Context, query string, limit int) ([]string, error) {
	f.searched = append(f.searched, query)
	return f.searchHashes, f.searchErr
}

// fakeFeed records appended reports.
type appendCall struct {
	feedID  string
	reports []sink.Report
}

type fakeFeed struct {
	appends   []appendCall
	appendErr error
}

func (f *fakeFeed) AppendReports(ctx context.Context, feedID string, reports []sink.Report) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, appendCall{feedID, reports})
	return nil
}

// fakeRegistry serves a fixed connector list.
type fakeRegistry struct {
	conns []connector.Connector
}

func (f *fakeRegistry) Get(name string) (connector.Connector, bool) {
	for _, c := range f.conns {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeRegistry) Connectors() []connector.Connector { return f.conns }

// scriptedConnector yields a scripted finding sequence.
type scriptedConnector struct {
	name     string
	findings []*connector.Finding

	// failWith, when set, is yielded as an error after failAfter findings.
	failAfter int
	failWith  error

	// waitForCtx blocks on ctx.Done after waitAfter findings, then yields
	// ctx.Err(). Models an analysis interrupted by the per-job timeout.
	waitForCtx bool
	waitAfter  int
}

func (s *scriptedConnector) Name() string { return s.name }

func (s *scriptedConnector) Analyze(ctx context.Context, binary *store.Binary, data []byte) iter.Seq2[*connector.Finding, error] {
	return func(yield func(*connector.Finding, error) bool) {
		for i, f := range s.findings {
			if s.failWith != nil && i == s.failAfter {
				yield(nil, s.failWith)
				return
			}
			if s.waitForCtx && i == s.waitAfter {
				<-ctx.Done()
				yield(nil, ctx.Err())
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func findings(n int) []*connector.Finding {
	out := make([]*connector.Finding, 0, n)
	for i := range n {
		out = append(out, &connector.Finding{
			AnalysisName: "pass",
			Score:        i + 1,
		})
	}
	return out
}

// testEnv bundles a worker with its fakes.
type testEnv struct {
	w        *Worker
	cfg      *config.Config
	store    *fakeStore
	cache    *fakeCache
	enq      *fakeEnqueuer
	resolver *fakeResolver
	feed     *fakeFeed
	registry *fakeRegistry
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.FeedSize = 2
	cfg.ResultSinks = map[string]config.Sink{
		"null": {Kind: config.KindFeed, ID: "feed-1"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		cfg:      cfg,
		store:    newFakeStore(),
		cache:    newFakeCache(),
		enq:      &fakeEnqueuer{},
		resolver: &fakeResolver{},
		feed:     &fakeFeed{},
		registry: &fakeRegistry{},
	}
	logger := log.New("test", "ERROR").WithOutput(io.Discard)
	env.w = New(cfg, logger, env.store, env.cache, env.enq, env.resolver, env.feed, env.registry)
	return env
}

// addBinary seeds a cached, available binary.
func (e *testEnv) addBinary(sha256 string, data []byte) *store.Binary {
	b := &store.Binary{ID: int64(len(e.store.binaries) + 1), SHA256: sha256, Available: true}
	e.store.binaries[sha256] = b
	e.cache.data[b.DataKey()] = data
	return b
}
