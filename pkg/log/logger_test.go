package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetLevel(WARN)

	l.Debug("not shown")
	l.Info("not shown")
	l.Warn("shown %d", 1)
	l.Error("shown too")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("filtered message leaked: %q", out)
	}
	if !strings.Contains(out, "shown 1") || !strings.Contains(out, "shown too") {
		t.Errorf("expected warn/error output, got %q", out)
	}
}

func TestWithFieldsText(t *testing.T) {
	var buf bytes.Buffer
	l := New("sc")
	l.SetWriter(&buf)
	l.WithFields(Fields{"oid": 3, "count": 10}).Info("move emitted")

	out := buf.String()
	if !strings.Contains(out, "sc: move emitted {count=10, oid=3}") {
		t.Errorf("unexpected text format: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("sync")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)
	l.WithField("batch", 4).Error("send failed")

	var entry struct {
		Level   string                 `json:"level"`
		Logger  string                 `json:"logger"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output %q: %v", buf.String(), err)
	}
	if entry.Level != "ERROR" || entry.Logger != "sync" || entry.Message != "send failed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["batch"] != float64(4) {
		t.Errorf("missing batch field: %+v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug": DEBUG, "INFO": INFO, "Warning": WARN, "error": ERROR, "bogus": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.log")
	w, err := NewRotatingWriter(path, 64, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	line := strings.Repeat("x", 40) + "\n"
	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size() > 64 {
		t.Errorf("active file larger than limit: %d", st.Size())
	}
}
