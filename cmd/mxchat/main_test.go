package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mxchat/internal/events"
	"github.com/nugget/mxchat/internal/protocol"
)

// writeConfig writes a config file pointing at the given servers and
// returns its path.
func writeConfig(t *testing.T, sessionURL, chatURL, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("session:\n  url: %s\nchat:\n  url: %s\ndata_dir: %s\n%s",
		sessionURL, chatURL, filepath.Join(dir, "data"), extra)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

// hostServer is a workflow host that answers config and mode requests.
func hostServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	cfg := protocol.RemoteConfig{
		Datasets:      []protocol.Dataset{{Model: "m1", URL: "https://a.example/v1", APIKey: "sk-abcdef1234"}},
		SelectedModel: "m1",
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				Type   string                `json:"type"`
				Mode   string                `json:"mode"`
				Config protocol.RemoteConfig `json:"config"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			switch msg.Type {
			case protocol.TypeGetInitialConfig:
				conn.WriteJSON(map[string]any{"type": "config_updated", "data": map[string]any{"config": cfg}})
			case protocol.TypeSelectConfig:
				cfg.SelectedModel = msg.Config.SelectedModel
				conn.WriteJSON(map[string]any{"event": "config_updated", "data": map[string]any{"success": true, "config": cfg}})
			case protocol.TypeUpdateConfig:
				cfg = msg.Config
				conn.WriteJSON(map[string]any{"event": "config_updated", "data": map[string]any{"success": true, "config": cfg}})
			case protocol.TypeModeChange:
				conn.WriteJSON(map[string]any{"type": "mode_changed", "data": map[string]any{"mode": msg.Mode}})
			}
			mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// chatServer streams a fixed reply, or a stream error when the
// question is "fail".
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/x-ndjson")
		if req.Text == "fail" {
			io.WriteString(w, `{"error":"model unavailable"}`+"\n")
			return
		}
		io.WriteString(w, `{"reasoning_content":"thinking"}`+"\n")
		io.WriteString(w, `{"text":"# Hello\n\n"}`+"\n")
		io.WriteString(w, `{"text":"**world**"}`+"\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCLI(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: mxchat") {
			t.Errorf("run(%v) output missing usage: %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/mxchat.yaml", "id"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text version output = %q", out)
	}

	out, _, err = runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, out)
	}
	if info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_IDStable(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := writeConfig(t, "ws://localhost:1/ws", "http://localhost:1", "identity_backend: "+backend+"\n")

			first, _, err := runCLI(t, "-config", cfg, "id")
			if err != nil {
				t.Fatal(err)
			}
			second, _, err := runCLI(t, "-config", cfg, "id")
			if err != nil {
				t.Fatal(err)
			}
			if strings.TrimSpace(first) == "" || first != second {
				t.Errorf("ids differ or empty: %q vs %q", first, second)
			}
		})
	}
}

func TestRun_AskStreams(t *testing.T) {
	chat := chatServer(t)
	cfg := writeConfig(t, "ws://localhost:1/ws", chat.URL, "")

	out, _, err := runCLI(t, "-config", cfg, "ask", "hi", "there")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if out != "# Hello\n\n**world**\n" {
		t.Errorf("output = %q", out)
	}
}

func TestRun_AskRendered(t *testing.T) {
	chat := chatServer(t)
	cfg := writeConfig(t, "ws://localhost:1/ws", chat.URL, "")

	out, _, err := runCLI(t, "-config", cfg, "ask", "-plain", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello\n\nworld\n" {
		t.Errorf("plain output = %q", out)
	}

	out, _, err = runCLI(t, "-config", cfg, "ask", "-html", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<h1>Hello</h1>") || !strings.Contains(out, "<strong>world</strong>") {
		t.Errorf("html output = %q", out)
	}
}

func TestRun_AskJSON(t *testing.T) {
	chat := chatServer(t)
	cfg := writeConfig(t, "ws://localhost:1/ws", chat.URL, "")

	out, _, err := runCLI(t, "-config", cfg, "-o", "json", "ask", "hi")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got["answer"] != "# Hello\n\n**world**" || got["reasoning"] != "thinking" || got["error"] != "" {
		t.Errorf("got = %v", got)
	}
}

func TestRun_AskRemoteError(t *testing.T) {
	chat := chatServer(t)
	cfg := writeConfig(t, "ws://localhost:1/ws", chat.URL, "")

	out, _, err := runCLI(t, "-config", cfg, "ask", "fail")
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("error = %v, want the stream error", err)
	}
	if !strings.Contains(out, "Error: model unavailable") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_AskTableAttachment(t *testing.T) {
	chat := chatServer(t)
	cfg := writeConfig(t, "ws://localhost:1/ws", chat.URL, "")
	table := filepath.Join(t.TempDir(), "sales.csv")
	os.WriteFile(table, []byte("name,qty\napple,3\npear,5\n"), 0600)

	if _, _, err := runCLI(t, "-config", cfg, "ask", "-table", table); err != nil {
		t.Fatalf("ask -table: %v", err)
	}
}

func TestParseAskFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    askFlags
		wantErr bool
	}{
		{"words", []string{"what", "is", "this"}, askFlags{text: "what is this"}, false},
		{"flags", []string{"-mode", "agent", "-html", "hello"}, askFlags{mode: "agent", html: true, text: "hello"}, false},
		{"image only", []string{"-image", "a.png"}, askFlags{image: "a.png"}, false},
		{"dash dash", []string{"--", "-not", "a flag"}, askFlags{text: "-not a flag"}, false},
		{"empty", nil, askFlags{}, true},
		{"both renderers", []string{"-html", "-plain", "x"}, askFlags{}, true},
		{"bad mode", []string{"-mode", "party", "x"}, askFlags{}, true},
		{"unknown flag", []string{"-loud", "x"}, askFlags{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAskFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRun_ConfigCommands(t *testing.T) {
	host := hostServer(t)
	cfg := writeConfig(t, host.URL, "http://localhost:1", "")

	out, _, err := runCLI(t, "-config", cfg, "config", "get")
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if !strings.Contains(out, "selected: m1") || !strings.Contains(out, "*********1234") {
		t.Errorf("config get output = %q", out)
	}
	if strings.Contains(out, "sk-abcdef1234") {
		t.Error("API key printed unmasked")
	}

	out, _, err = runCLI(t, "-config", cfg, "-o", "json", "config", "add", "m2", "https://b.example/v1", "k2")
	if err != nil {
		t.Fatalf("config add: %v", err)
	}
	var rc protocol.RemoteConfig
	if err := json.Unmarshal([]byte(out), &rc); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(rc.Datasets) != 2 {
		t.Errorf("datasets after add = %+v", rc.Datasets)
	}

	out, _, err = runCLI(t, "-config", cfg, "config", "select", "m2")
	if err != nil {
		t.Fatalf("config select: %v", err)
	}
	if !strings.Contains(out, "selected: m2") {
		t.Errorf("config select output = %q", out)
	}

	if _, _, err := runCLI(t, "-config", cfg, "config", "explode"); err == nil {
		t.Error("expected error for unknown config command")
	}
}

func TestRun_Mode(t *testing.T) {
	host := hostServer(t)
	cfg := writeConfig(t, host.URL, "http://localhost:1", "")

	out, _, err := runCLI(t, "-config", cfg, "mode", "agent")
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	if strings.TrimSpace(out) != "mode: agent" {
		t.Errorf("output = %q", out)
	}

	if _, _, err := runCLI(t, "-config", cfg, "mode"); err == nil {
		t.Error("expected usage error without a mode")
	}
}

func TestOutput_Event(t *testing.T) {
	var buf bytes.Buffer
	o := &output{w: &buf, format: "text"}
	ev := events.Event{
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Source:    events.SourceRouter,
		Kind:      events.KindChatMessage,
		Data:      map[string]any{"text": "hello there", "is_user": false},
	}
	if err := o.event(ev); err != nil {
		t.Fatal(err)
	}
	want := `09:30:00 router  chat_message   is_user=false text="hello there"` + "\n"
	if buf.String() != want {
		t.Errorf("event line = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	o.format = "json"
	if err := o.event(ev); err != nil {
		t.Fatal(err)
	}
	var decoded events.Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json event: %v", err)
	}
	if decoded.Kind != events.KindChatMessage {
		t.Errorf("Kind = %q", decoded.Kind)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"abc":           "***",
		"sk-abcdef1234": "*********1234",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
