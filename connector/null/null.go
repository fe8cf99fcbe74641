// Package null provides the null connector: a reference connector body that
// emits a single fixed-score finding after a configurable delay. Useful for
// exercising the pipeline end to end without real analysis work.
package null

import (
	"context"
	"fmt"
	"iter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/store"
)

// Config is the null connector's config.yml shape.
type Config struct {
	// Delay is how long Analyze sleeps before emitting its finding.
	Delay time.Duration `yaml:"delay"`
	// Score is the raw score of the emitted finding.
	Score int `yaml:"score"`
}

// Connector emits one finding per binary.
type Connector struct {
	config Config
}

// New creates a null connector with default config (no delay, score 100).
func New() *Connector {
	return &Connector{config: Config{Score: 100}}
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return "null" }

// Configure implements connector.Configurable.
func (c *Connector) Configure(raw []byte) error {
	if raw == nil {
		return nil
	}
	var aux struct {
		Delay string `yaml:"delay"`
		Score *int   `yaml:"score"`
	}
	if err := yaml.Unmarshal(raw, &aux); err != nil {
		return fmt.Errorf("null: parse config: %w", err)
	}
	if aux.Delay != "" {
		d, err := time.ParseDuration(aux.Delay)
		if err != nil {
			return fmt.Errorf("null: invalid delay %q: %w", aux.Delay, err)
		}
		c.config.Delay = d
	}
	if aux.Score != nil {
		c.config.Score = *aux.Score
	}
	return nil
}

// Analyze sleeps for the configured delay, then yields one finding named
// after the connector.
func (c *Connector) Analyze(ctx context.Context, binary *store.Binary, data []byte) iter.Seq2[*connector.Finding, error] {
	return func(yield func(*connector.Finding, error) bool) {
		if c.config.Delay > 0 {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(c.config.Delay):
			}
		}

		yield(&connector.Finding{
			AnalysisName: c.Name(),
			Score:        c.config.Score,
			Payload:      map[string]any{"size": len(data)},
		}, nil)
	}
}

// Verify interface conformance.
var (
	_ connector.Connector    = (*Connector)(nil)
	_ connector.Configurable = (*Connector)(nil)
)
