package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mxchat/internal/events"
	"github.com/nugget/mxchat/internal/protocol"
)

// output writes command results as text or JSON.
type output struct {
	w      io.Writer
	format string
}

func (o *output) json() bool { return o.format == "json" }

// emit writes v as indented JSON, or text followed by a newline.
func (o *output) emit(v any, text string) error {
	if o.json() {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(o.w, text)
	return err
}

// event writes one bus event: a JSON line, or a logfmt-style line.
func (o *output) event(ev events.Event) error {
	if o.json() {
		return json.NewEncoder(o.w).Encode(ev)
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-7s %-14s", ev.Timestamp.Format(time.TimeOnly), ev.Source, ev.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, quote(ev.Data[k]))
	}
	_, err := fmt.Fprintln(o.w, b.String())
	return err
}

func quote(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// config writes a remote configuration. API keys are masked in text
// output.
func (o *output) config(cfg protocol.RemoteConfig) error {
	if o.json() {
		return o.emit(cfg, "")
	}
	fmt.Fprintf(o.w, "selected: %s\n", cfg.SelectedModel)
	for _, d := range cfg.Datasets {
		marker := " "
		if d.Model == cfg.SelectedModel {
			marker = "*"
		}
		fmt.Fprintf(o.w, "%s %-24s %-40s %s\n", marker, d.Model, d.URL, maskKey(d.APIKey))
	}
	return nil
}

// maskKey keeps the last four characters of an API key.
func maskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}
