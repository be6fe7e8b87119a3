package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// StreamTransformer rewrites one complete SSE line (without its trailing
// newline) before it reaches the client. When set, it replaces verbatim
// forwarding; usage parsing still sees the original bytes.
type StreamTransformer func(line []byte) []byte

const dataPrefix = "data: "

// usageParser extracts usage telemetry from SSE lines as they flow by.
// It never owns the bytes it is fed.
type usageParser struct {
	lineBuf []byte

	records []Usage
	current *Usage

	model           string
	rateLimitDetect bool
}

type sseEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// feed consumes a chunk, completing lines split on '\n'. A partial trailing
// line is carried to the next call.
func (p *usageParser) feed(chunk []byte) {
	p.lineBuf = append(p.lineBuf, chunk...)
	for {
		i := bytes.IndexByte(p.lineBuf, '\n')
		if i < 0 {
			return
		}
		line := p.lineBuf[:i]
		p.lineBuf = p.lineBuf[i+1:]
		p.parseLine(line)
	}
}

func (p *usageParser) parseLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}

	var ev sseEvent
	if err := json.Unmarshal(line[len(dataPrefix):], &ev); err != nil {
		return
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return
		}
		// An unfinished record means the upstream interleaved messages;
		// keep what we have and start fresh.
		if p.current != nil {
			p.records = append(p.records, *p.current)
		}
		u := Usage{Model: ev.Message.Model}
		u.applyWire(ev.Message.Usage)
		p.current = &u
		if u.Model != "" {
			p.model = u.Model
		}

	case "message_delta":
		if ev.Usage == nil {
			return
		}
		if p.current == nil {
			p.current = &Usage{Model: p.model}
		}
		p.current.OutputTokens = ev.Usage.OutputTokens
		if p.current.InputTokens > 0 {
			p.records = append(p.records, *p.current)
			p.current = nil
		}

	case "error":
		if ev.Error != nil &&
			strings.Contains(strings.ToLower(ev.Error.Message), "exceed your account's rate limit") {
			p.rateLimitDetect = true
		}
	}
}

// finish parses any buffered partial line, closes the open record with zero
// output, and merges everything into one usage total.
func (p *usageParser) finish(requestModel string) (Usage, bool) {
	if len(p.lineBuf) > 0 {
		p.parseLine(p.lineBuf)
		p.lineBuf = nil
	}
	if p.current != nil {
		p.records = append(p.records, *p.current)
		p.current = nil
	}
	if len(p.records) == 0 {
		return Usage{}, false
	}

	final := Usage{Model: p.model}
	if final.Model == "" {
		final.Model = requestModel
	}
	for _, r := range p.records {
		final.InputTokens += r.InputTokens
		final.OutputTokens += r.OutputTokens
		final.CacheCreationInputTokens += r.CacheCreationInputTokens
		final.CacheReadInputTokens += r.CacheReadInputTokens
		final.Ephemeral5mInputTokens += r.Ephemeral5mInputTokens
		final.Ephemeral1hInputTokens += r.Ephemeral1hInputTokens
	}
	return final, true
}

// tap forwards upstream bytes to the client and feeds the same bytes to the
// usage parser. Forwarding happens first so parsing can never delay it.
type tap struct {
	dst       io.Writer
	flusher   http.Flusher
	transform StreamTransformer
	parser    usageParser

	// fwdBuf holds the partial trailing line when a transformer is set.
	fwdBuf []byte
}

func (t *tap) consume(chunk []byte) error {
	if err := t.forward(chunk); err != nil {
		return err
	}
	t.parser.feed(chunk)
	return nil
}

func (t *tap) forward(chunk []byte) error {
	if t.transform == nil {
		if _, err := t.dst.Write(chunk); err != nil {
			return err
		}
		t.flush()
		return nil
	}

	t.fwdBuf = append(t.fwdBuf, chunk...)
	for {
		i := bytes.IndexByte(t.fwdBuf, '\n')
		if i < 0 {
			return nil
		}
		line := t.fwdBuf[:i]
		t.fwdBuf = t.fwdBuf[i+1:]
		if out := t.transform(line); out != nil {
			if _, err := t.dst.Write(append(out, '\n')); err != nil {
				return err
			}
			t.flush()
		}
	}
}

// drain flushes any partial forwarded line at end of stream.
func (t *tap) drain() {
	if t.transform == nil || len(t.fwdBuf) == 0 {
		return
	}
	if out := t.transform(t.fwdBuf); out != nil {
		t.dst.Write(append(out, '\n'))
		t.flush()
	}
	t.fwdBuf = nil
}

func (t *tap) flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}
