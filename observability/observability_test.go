package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNopTracer(t *testing.T) {
	tracer := NopTracer()
	ctx := context.Background()
	ctx2, span := tracer.StartSpan(ctx, "test")
	if ctx2 != ctx {
		t.Fatalf("nop tracer should return same context")
	}
	span.SetTag("key", "value")
	span.SetError(nil)
	span.Finish()
}

func TestTextLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewTextLogger(&buf, "debug", "text").With(String("session", "s1"))
	log.Debug("page rotated", Int("page", 3), Bool("dirty", true), Error("error", errors.New("boom")))

	out := buf.String()
	for _, want := range []string{"page rotated", "session=s1", "page=3", "dirty=true", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestTextLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewTextLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("expected json warn line, got %q", buf.String())
	}
}

func TestNewSlogLoggerNil(t *testing.T) {
	if _, ok := NewSlogLogger(nil).(NopLogger); !ok {
		t.Fatalf("nil slog logger should yield NopLogger")
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.CommitsTotal.WithLabelValues(OutcomeCommitted, "direct").Inc()
	m.PagesWritten.Add(3)

	if got := testutil.ToFloat64(m.CommitsTotal.WithLabelValues(OutcomeCommitted, "direct")); got != 1 {
		t.Fatalf("commits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PagesWritten); got != 3 {
		t.Fatalf("pages written = %v, want 3", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("gather: n=%d err=%v", n, err)
	}
}
