package relay

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/okabe/claude-relay/internal/transport"
)

const (
	lineStart = `data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"cache_creation_input_tokens":5,"cache_read_input_tokens":2}}}` + "\n"
	lineDelta = `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}` + "\n"
	lineUsage = `data: {"type":"message_delta","usage":{"output_tokens":42}}` + "\n"
)

func TestUsageParserAggregates(t *testing.T) {
	var p usageParser
	p.feed([]byte(lineStart))
	p.feed([]byte(lineDelta))
	p.feed([]byte(lineUsage))

	u, ok := p.finish("fallback-model")
	if !ok {
		t.Fatal("no usage captured")
	}
	if u.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %q", u.Model)
	}
	if u.InputTokens != 10 || u.OutputTokens != 42 {
		t.Fatalf("tokens = in:%d out:%d", u.InputTokens, u.OutputTokens)
	}
	if u.CacheCreationInputTokens != 5 || u.CacheReadInputTokens != 2 {
		t.Fatalf("cache = w:%d r:%d", u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
}

func TestUsageParserChunkBoundaries(t *testing.T) {
	full := lineStart + lineDelta + lineUsage

	// Feed one byte at a time; line reassembly must not care.
	var p usageParser
	for i := 0; i < len(full); i++ {
		p.feed([]byte{full[i]})
	}

	u, ok := p.finish("m")
	if !ok || u.InputTokens != 10 || u.OutputTokens != 42 {
		t.Fatalf("got %+v ok=%v", u, ok)
	}
}

func TestUsageParserPartialRecordDefaultsOutputZero(t *testing.T) {
	var p usageParser
	p.feed([]byte(lineStart))
	// Stream dies before message_delta.

	u, ok := p.finish("m")
	if !ok {
		t.Fatal("partial record should still be reported")
	}
	if u.InputTokens != 10 || u.OutputTokens != 0 {
		t.Fatalf("got in:%d out:%d", u.InputTokens, u.OutputTokens)
	}
}

func TestUsageParserMergesMultipleMessages(t *testing.T) {
	var p usageParser
	p.feed([]byte(lineStart))
	p.feed([]byte(lineUsage))
	p.feed([]byte(lineStart))
	p.feed([]byte(lineUsage))

	u, ok := p.finish("m")
	if !ok {
		t.Fatal("no usage")
	}
	if u.InputTokens != 20 || u.OutputTokens != 84 {
		t.Fatalf("merged tokens = in:%d out:%d", u.InputTokens, u.OutputTokens)
	}
}

func TestUsageParserDetectsRateLimitEvent(t *testing.T) {
	var p usageParser
	p.feed([]byte(`data: {"type":"error","error":{"message":"You exceed your account's rate limit"}}` + "\n"))
	if !p.rateLimitDetect {
		t.Fatal("rate-limit event not detected")
	}
}

func TestUsageParserIgnoresGarbage(t *testing.T) {
	var p usageParser
	p.feed([]byte("event: ping\n"))
	p.feed([]byte("data: not-json\n"))
	p.feed([]byte("\n"))
	if _, ok := p.finish("m"); ok {
		t.Fatal("garbage produced a usage record")
	}
}

func TestTapForwardsBytesVerbatim(t *testing.T) {
	var dst bytes.Buffer
	tp := &tap{dst: &dst}

	chunks := []string{
		"data: {\"type\":\"message_st",
		"art\",\"message\":{\"model\":\"m\",\"usage\":{\"input_tokens\":1}}}\n",
		"data: [DONE]\n",
	}
	for _, c := range chunks {
		if err := tp.consume([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	tp.drain()

	want := strings.Join(chunks, "")
	if dst.String() != want {
		t.Fatalf("forwarded bytes differ:\n got %q\nwant %q", dst.String(), want)
	}
}

func TestTapTransformerStillFeedsParserOriginal(t *testing.T) {
	var dst bytes.Buffer
	tp := &tap{
		dst: &dst,
		transform: func(line []byte) []byte {
			return bytes.ToUpper(line)
		},
	}

	if err := tp.consume([]byte(lineStart + lineUsage)); err != nil {
		t.Fatal(err)
	}
	tp.drain()

	if !strings.Contains(dst.String(), "MESSAGE_START") {
		t.Fatalf("transformer not applied: %q", dst.String())
	}

	u, ok := tp.parser.finish("m")
	if !ok || u.InputTokens != 10 || u.OutputTokens != 42 {
		t.Fatalf("parser saw transformed bytes: %+v ok=%v", u, ok)
	}
}

func TestStatusForConnError(t *testing.T) {
	cases := map[string]int{
		transport.CodeConnReset:   http.StatusBadGateway,
		transport.CodeDNSFailure:  http.StatusBadGateway,
		transport.CodeConnRefused: http.StatusBadGateway,
		transport.CodeTimeout:     http.StatusGatewayTimeout,
		"":                        http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForConnError(code); got != want {
			t.Errorf("statusForConnError(%q) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteSSEError(t *testing.T) {
	var buf bytes.Buffer
	writeSSEError(&buf, nil, 502, "Connection reset", "Bearer secret-token-value details")

	out := buf.String()
	if !strings.HasPrefix(out, "event: error\ndata: ") {
		t.Fatalf("frame shape: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatal("frame not terminated by blank line")
	}
	if strings.Contains(out, "secret-token-value") {
		t.Fatal("credential leaked into error details")
	}
	if !strings.Contains(out, `"status":502`) {
		t.Fatalf("status missing: %q", out)
	}
}
