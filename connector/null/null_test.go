package null

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/sandbox/connector"
	"github.com/pithecene-io/sandbox/store"
)

func drain(t *testing.T, ctx context.Context, c *Connector, data []byte) ([]*connector.Finding, error) {
	t.Helper()
	bin := &store.Binary{SHA256: "aabb", Available: true}

	var findings []*connector.Finding
	for f, err := range c.Analyze(ctx, bin, data) {
		if err != nil {
			return findings, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func TestAnalyze_Defaults(t *testing.T) {
	c := New()

	findings, err := drain(t, context.Background(), c, []byte{0x4d, 0x5a})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.AnalysisName != "null" {
		t.Errorf("unexpected analysis name: %q", f.AnalysisName)
	}
	if f.Score != 100 {
		t.Errorf("expected default score=100, got %d", f.Score)
	}
	if f.Payload["size"] != 2 {
		t.Errorf("expected payload size=2, got %v", f.Payload["size"])
	}
}

func TestConfigure(t *testing.T) {
	c := New()
	if err := c.Configure([]byte("delay: 5ms\nscore: 7\n")); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if c.config.Delay != 5*time.Millisecond {
		t.Errorf("expected delay=5ms, got %v", c.config.Delay)
	}
	if c.config.Score != 7 {
		t.Errorf("expected score=7, got %d", c.config.Score)
	}
}

func TestConfigure_NilKeepsDefaults(t *testing.T) {
	c := New()
	if err := c.Configure(nil); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if c.config.Score != 100 || c.config.Delay != 0 {
		t.Errorf("defaults changed: %+v", c.config)
	}
}

func TestConfigure_InvalidDelay(t *testing.T) {
	c := New()
	if err := c.Configure([]byte("delay: soon\n")); err == nil {
		t.Fatal("expected error for invalid delay")
	}
}

func TestConfigure_InvalidYAML(t *testing.T) {
	c := New()
	if err := c.Configure([]byte("{{nope")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestAnalyze_CanceledDuringDelay(t *testing.T) {
	c := New()
	if err := c.Configure([]byte("delay: 10s\n")); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	findings, err := drain(t, ctx, c, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %d", len(findings))
	}
}
