package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func plain(buf *bytes.Buffer, level slog.Level) Logger {
	return New(NewPrettyHandler(buf, &PrettyOptions{Level: level, NoColor: true}))
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("tuned", "kernel", "updateNeuronsKernel")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record below warn level: %s", out)
	}
	for _, want := range []string{`"msg":"tuned"`, `"kernel":"updateNeuronsKernel"`, `"level":"WARN"`, `"source"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo)
	log.Info("block size chosen", "kernel", "updateNeuronsKernel", "size", 128, "elapsed", 1234567*time.Microsecond, "name", "Tesla V100")

	out := buf.String()
	for _, want := range []string{"INFO  block size chosen", "kernel=updateNeuronsKernel", "size=128", "elapsed=1.23s", `name="Tesla V100"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("NoColor output contains escape codes: %q", out)
	}
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("expected a single line, got %q", out)
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, nil))
	log.Error("failed")
	if !strings.Contains(buf.String(), ansiRed) {
		t.Fatalf("expected red error level, got %q", buf.String())
	}
	buf.Reset()
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("nil options should log at info, got %q", buf.String())
	}
}

func TestPrettyComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Component(plain(&buf, slog.LevelDebug), "nvcc").With("module", "neuronUpdate")
	log.Debug("compiled")

	out := buf.String()
	if !strings.Contains(out, "[nvcc] compiled module=neuronUpdate") {
		t.Fatalf("component tag missing: %q", out)
	}
	if strings.Contains(out, "component=") {
		t.Fatalf("component printed as an attribute: %q", out)
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo).WithGroup("device").With("ordinal", 1)
	log.Info("selected", slog.Group("occupancy", "warps", 64), "empty", "")

	out := buf.String()
	for _, want := range []string{"device.ordinal=1", "device.occupancy.warps=64", `device.empty=""`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyWithDoesNotLeak(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := plain(&buf, slog.LevelInfo)
	_ = base.With("a", 1)
	base.Info("base")
	if strings.Contains(buf.String(), "a=1") {
		t.Fatalf("child attrs leaked into parent: %q", buf.String())
	}
}

func TestForFormat(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	cases := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{" JSON ", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "INFO  hello"},
		{"bogus", "INFO  hello"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		ForFormat(&buf, tc.format, slog.LevelInfo).Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("format %q: expected %q in %q", tc.format, tc.want, buf.String())
		}
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("stored logger not used: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("dropped")
	log.With("k", "v").WithGroup("g").Warn("dropped")
	if Component(nil, "x") == nil {
		t.Fatal("Component(nil) returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
