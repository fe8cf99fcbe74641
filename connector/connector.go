// Package connector defines the pluggable analyzer boundary.
//
// A connector scores a binary and emits findings with associated indicators
// of compromise. Connectors are statically linked and registered through a
// build-time table at process start; there is no dynamic module loading.
package connector

import (
	"context"
	"iter"

	"github.com/pithecene-io/sandbox/store"
)

// Finding is one analysis outcome produced by a connector. The result
// pipeline persists findings as AnalysisResult rows as it drains them.
type Finding struct {
	// AnalysisName names the analysis pass that produced this finding.
	// (sha256, connector, analysis_name) must be unique, so a connector
	// that emits several findings per binary gives each a distinct name.
	AnalysisName string

	// Score is the severity assigned by the analysis pass. Persisted
	// scores are normalized into [1, 10]; see NormalizeScore.
	Score int

	// Error marks a finding that records an analysis failure rather than
	// a verdict.
	Error bool

	// Payload is an opaque structured blob attached to the result.
	Payload map[string]any

	// IOCs are the indicators of compromise attached to the result.
	IOCs []*store.IOC
}

// Connector is the extension point for analyzers.
//
// Analyze returns a pull-iterator: the pipeline consumes findings
// incrementally, so a connector may produce them lazily and expensive work
// is interleaved with batching. Yielding a non-nil error terminates the
// sequence and fails the analysis job. Implementations must respect ctx:
// the per-job timeout arrives as context cancellation.
type Connector interface {
	// Name returns the connector's unique lowercase name.
	Name() string

	// Analyze inspects the binary's bytes and yields findings.
	Analyze(ctx context.Context, binary *store.Binary, data []byte) iter.Seq2[*Finding, error]
}

// Configurable is implemented by connectors that load a sibling config.yml
// at registration time. A Configure failure clears the connector's
// availability; the registry skips it from then on.
type Configurable interface {
	// Configure applies the raw YAML config. Called at most once, before
	// any Analyze call. raw is nil when no config file exists, in which
	// case the connector keeps its defaults.
	Configure(raw []byte) error
}

// NormalizeScore maps an arbitrary connector score into [1, 10], the range
// the downstream sink APIs require for severity.
//
// In-range scores pass through untouched. Out-of-range scores are divided
// by 10 and clamped: 0 becomes 1, 15 becomes 1, 25 becomes 2, 100 becomes
// 10.
func NormalizeScore(score int) int {
	if score >= 1 && score <= 10 {
		return score
	}
	normalized := score / 10
	if normalized < 1 {
		return 1
	}
	if normalized > 10 {
		return 10
	}
	return normalized
}
