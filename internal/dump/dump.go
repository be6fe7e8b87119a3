// Package dump archives per-request artifacts for debugging. Writes are
// best-effort: every failure is logged and swallowed.
package dump

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maskedHeaders are replaced with a placeholder in dump files.
var maskedHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"cookie":              true,
}

// Dumper writes request/response snapshots under
// <dir>/<model>/<timestamp>_<type>.log. A nil Dumper is a no-op.
type Dumper struct {
	dir string
}

// New returns a Dumper rooted at dir, or nil when disabled.
func New(dir string, enabled bool) *Dumper {
	if !enabled || dir == "" {
		return nil
	}
	return &Dumper{dir: dir}
}

// Write records one artifact. kind names the artifact ("request",
// "response", "stream_error", ...).
func (d *Dumper) Write(model, kind string, headers http.Header, body []byte, meta map[string]any) {
	if d == nil {
		return
	}

	model = sanitizePathComponent(model)
	dir := filepath.Join(d.dir, model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("dump dir create failed", "dir", dir, "error", err)
		return
	}

	name := fmt.Sprintf("%s_%s.log", time.Now().UTC().Format("20060102T150405.000000000"), kind)

	var b strings.Builder
	b.WriteString("=== headers ===\n")
	for k, vals := range headers {
		v := strings.Join(vals, ", ")
		if maskedHeaders[strings.ToLower(k)] {
			v = "[masked]"
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	if len(meta) > 0 {
		b.WriteString("=== meta ===\n")
		if raw, err := json.MarshalIndent(meta, "", "  "); err == nil {
			b.Write(raw)
			b.WriteByte('\n')
		}
	}
	b.WriteString("=== body ===\n")
	b.Write(body)
	b.WriteByte('\n')

	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		slog.Warn("dump write failed", "file", name, "error", err)
	}
}

func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
