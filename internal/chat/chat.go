// Package chat talks to the conversational chat server: a streaming
// /chat endpoint answering in NDJSON and an /update_config endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mxchat/internal/httpkit"
	"github.com/nugget/mxchat/internal/protocol"
	"github.com/nugget/mxchat/internal/stream"
)

// readChunk is the size of each body read handed to the decoder.
const readChunk = 4 << 10

// TableData is an uploaded spreadsheet or CSV attached to a request.
type TableData struct {
	Data     string `json:"table_data"`
	FileType string `json:"file_type"`
	FileName string `json:"file_name"`
}

// Request is the body of a /chat call.
type Request struct {
	Text      string     `json:"text"`
	Mode      string     `json:"mode"`
	ImageData string     `json:"imageData,omitempty"` // base64 or data: URL
	TableData *TableData `json:"tableData,omitempty"`
	ClientID  string     `json:"clientId"`
}

// StatusError is returned when the server answers with a non-200
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat API error %d: %s", e.StatusCode, e.Body)
}

// Detail extracts the "detail" message of a JSON error body, falling
// back to the raw body.
func (e *StatusError) Detail() string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(e.Body)
}

// Client is a chat server client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the chat server at baseURL. A nil
// httpClient gets a shared client without an overall timeout, since
// replies stream for as long as the model generates.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8166"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Stream sends req and feeds the reply through a stream decoder, which
// calls sink after every record. It returns the final snapshot. If
// reading fails midway the partial snapshot is returned with the
// error. A failure reported inside the stream is returned as a
// *stream.RemoteError alongside the snapshot that carries it.
func (c *Client) Stream(ctx context.Context, req Request, sink func(stream.Snapshot)) (stream.Snapshot, error) {
	if req.Mode == "" {
		req.Mode = protocol.ModeChat
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return stream.Snapshot{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(jsonData))
	if err != nil {
		return stream.Snapshot{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return stream.Snapshot{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stream.Snapshot{}, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	dec := stream.NewDecoder(sink, c.logger)
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			dec.Consume(buf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			c.logger.Warn("chat stream interrupted", "error", rerr, "elapsed", time.Since(start).Round(time.Millisecond))
			return dec.Snapshot(), fmt.Errorf("read stream: %w", rerr)
		}
	}
	dec.Finish()

	processed, skipped := dec.Records()
	c.logger.Debug("chat stream finished",
		"records", processed,
		"skipped", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	snap := dec.Snapshot()
	if err := dec.Err(); err != nil {
		return snap, err
	}
	return snap, nil
}

// updateConfigResponse is the /update_config reply.
type updateConfigResponse struct {
	Status  string                `json:"status"`
	Message string                `json:"message"`
	Config  protocol.RemoteConfig `json:"config"`
}

// UpdateConfig replaces the chat server's dataset list and selection
// and returns the configuration it reports back.
func (c *Client) UpdateConfig(ctx context.Context, cfg protocol.RemoteConfig) (protocol.RemoteConfig, error) {
	if cfg.Datasets == nil {
		cfg.Datasets = []protocol.Dataset{}
	}
	jsonData, err := json.Marshal(cfg)
	if err != nil {
		return protocol.RemoteConfig{}, fmt.Errorf("marshal config: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update_config", bytes.NewReader(jsonData))
	if err != nil {
		return protocol.RemoteConfig{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return protocol.RemoteConfig{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.RemoteConfig{}, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var result updateConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return protocol.RemoteConfig{}, fmt.Errorf("decode response: %w", err)
	}
	if result.Status != "success" {
		return protocol.RemoteConfig{}, fmt.Errorf("update_config: status %q: %s", result.Status, result.Message)
	}

	c.logger.Info("chat server config updated",
		"selected_model", result.Config.SelectedModel,
		"datasets", len(result.Config.Datasets),
	)
	return result.Config, nil
}
