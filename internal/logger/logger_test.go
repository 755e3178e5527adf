package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(prev)

	var out bytes.Buffer
	l := zerolog.New(&out)

	var lines []string
	w := LineWriterFunc(&l, "stderr", func(line string) { lines = append(lines, line) })

	// A line split across writes is emitted once it is complete
	w.Write([]byte("DevTools listening on ws://127.0.0.1:9222/dev"))
	w.Write([]byte("tools/browser/x\r\n\n[error] broken pipe\npartial"))

	want := []string{"DevTools listening on ws://127.0.0.1:9222/devtools/browser/x", "[error] broken pipe"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}

	logged := out.String()
	if !strings.Contains(logged, `"level":"debug"`) || !strings.Contains(logged, `"level":"warn"`) {
		t.Errorf("unexpected levels: %s", logged)
	}
	if strings.Contains(logged, "partial") {
		t.Error("incomplete line should stay buffered")
	}
}
