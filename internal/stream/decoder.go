// Package stream decodes newline-delimited JSON chat answers into
// incrementally updated answer and reasoning text.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrorPrefix is prepended to a remote error when it becomes the
// answer text.
const ErrorPrefix = "Error: "

// Snapshot is the accumulated state after one processed record.
type Snapshot struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`

	// Err is the remote error message once the stream has failed.
	Err string `json:"error,omitempty"`
}

// RemoteError is a failure reported by the peer inside the stream.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// record is one NDJSON line.
type record struct {
	Text             string          `json:"text"`
	ReasoningContent string          `json:"reasoning_content"`
	Error            json.RawMessage `json:"error"`
}

// Decoder reassembles an NDJSON byte stream. Call Consume for each
// chunk and Finish once at end of stream. A Decoder is not safe for
// concurrent use; it belongs to one request.
type Decoder struct {
	sink   func(Snapshot)
	logger *slog.Logger

	utf8    transform.Transformer
	pending []byte // incomplete UTF-8 sequence from the previous chunk
	carry   string // text after the last newline

	answer    strings.Builder
	reasoning strings.Builder
	errMsg    string
	failed    bool
	finished  bool

	records int
	skipped int
}

// NewDecoder creates a decoder that emits a snapshot to sink after
// every processed record. sink may be nil.
func NewDecoder(sink func(Snapshot), logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	dec := unicode.UTF8.NewDecoder()
	dec.Reset()
	return &Decoder{
		sink:   sink,
		logger: logger,
		utf8:   dec,
	}
}

// Consume decodes one chunk and processes every record it completes.
func (d *Decoder) Consume(chunk []byte) {
	if d.failed || d.finished || len(chunk) == 0 {
		return
	}
	d.carry += d.decode(chunk, false)

	for !d.failed {
		i := strings.IndexByte(d.carry, '\n')
		if i < 0 {
			return
		}
		line := d.carry[:i]
		d.carry = d.carry[i+1:]
		d.process(line, true)
	}
}

// Write implements io.Writer so a response body can be copied into
// the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.Consume(p)
	return len(p), nil
}

// Finish flushes the text decoder and processes a trailing record that
// lacks a newline. A trailing fragment that does not parse is dropped.
func (d *Decoder) Finish() {
	if d.finished {
		return
	}
	if !d.failed {
		d.carry += d.decode(nil, true)
		for _, line := range strings.Split(d.carry, "\n") {
			if d.failed {
				break
			}
			d.process(line, false)
		}
	}
	d.carry = ""
	d.pending = nil
	d.finished = true
}

// Snapshot returns the current accumulated state.
func (d *Decoder) Snapshot() Snapshot {
	s := Snapshot{
		Answer:    d.answer.String(),
		Reasoning: d.reasoning.String(),
		Err:       d.errMsg,
	}
	if d.failed {
		s.Answer = ErrorPrefix + d.errMsg
	}
	return s
}

// Err returns a *RemoteError once the peer reported a failure.
func (d *Decoder) Err() error {
	if !d.failed {
		return nil
	}
	return &RemoteError{Message: d.errMsg}
}

// Records returns the number of records processed and skipped.
func (d *Decoder) Records() (processed, skipped int) {
	return d.records, d.skipped
}

// decode converts src to text, holding back a trailing incomplete
// UTF-8 sequence until the next call unless atEOF is set.
func (d *Decoder) decode(chunk []byte, atEOF bool) string {
	src := append(d.pending, chunk...)
	d.pending = nil
	if len(src) == 0 {
		return ""
	}

	var out []byte
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	for {
		nDst, nSrc, err := d.utf8.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) && (nDst > 0 || nSrc > 0) {
			continue
		}
		if errors.Is(err, transform.ErrShortSrc) {
			d.pending = append([]byte(nil), src...)
		}
		return string(out)
	}
}

// process handles one line. Lines that fail to parse are skipped when
// logSkip is set and dropped silently otherwise.
func (d *Decoder) process(line string, logSkip bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var rec record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		if logSkip {
			d.skipped++
			d.logger.Warn("skipping malformed stream record", "error", err, "record", truncate(trimmed, 120))
		} else {
			d.logger.Debug("discarding trailing stream fragment", "bytes", len(trimmed))
		}
		return
	}
	d.records++

	if msg, ok := errorMessage(rec.Error); ok {
		d.failed = true
		d.errMsg = msg
		d.logger.Warn("stream reported error", "error", msg)
		d.emit()
		return
	}

	d.reasoning.WriteString(rec.ReasoningContent)
	d.answer.WriteString(rec.Text)
	d.emit()
}

func (d *Decoder) emit() {
	if d.sink != nil {
		d.sink(d.Snapshot())
	}
}

// errorMessage extracts the error field. Strings are used as is; other
// non-empty values are rendered as JSON.
func errorMessage(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", false
		}
		return s, true
	}
	return string(raw), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
