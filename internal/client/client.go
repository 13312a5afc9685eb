// Package client wires the identity store, the workflow session, the
// envelope router, and the chat transport into one front-end client.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mxchat/internal/chat"
	"github.com/nugget/mxchat/internal/events"
	"github.com/nugget/mxchat/internal/identity"
	"github.com/nugget/mxchat/internal/protocol"
	"github.com/nugget/mxchat/internal/router"
	"github.com/nugget/mxchat/internal/session"
	"github.com/nugget/mxchat/internal/stream"
)

var (
	// ErrTimeout is returned when the host does not answer a session
	// request before the caller's deadline.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrSuperseded is returned by Ask when a newer question replaced
	// the turn before it finished.
	ErrSuperseded = errors.New("turn superseded by a newer question")

	// ErrConnectionLost is returned to config requests whose reply
	// was still outstanding when the session dropped.
	ErrConnectionLost = errors.New("connection lost before reply")
)

// configReply is delivered to the request a config_updated answers.
type configReply struct {
	upd protocol.ConfigUpdate
	err error
}

// Options configures a Client.
type Options struct {
	Identity *identity.Store

	// SessionURL is the workflow session endpoint without clientId.
	SessionURL string
	Secure     bool
	Session    session.Config

	Chat *chat.Client
	Bus  *events.Bus

	// Mode is the initial front-end mode (default chat).
	Mode string

	// Observer receives envelopes after the client has handled them.
	// Workflow chat messages reach it only in agent mode.
	Observer router.Handlers

	Logger *slog.Logger
}

// Question is one user turn for the chat server.
type Question struct {
	Text      string
	ImageData string
	Table     *chat.TableData
}

// Client is a chat front-end bound to one client identity.
type Client struct {
	id       string
	url      string
	logger   *slog.Logger
	session  *session.Manager
	router   *router.Router
	chat     *chat.Client
	bus      *events.Bus
	observer router.Handlers
	turns    stream.Tracker

	// reqMu pairs each config request with its queue slot so slots
	// stay in send order.
	reqMu sync.Mutex

	mu         sync.Mutex
	mode       string
	remote     protocol.RemoteConfig
	haveRemote bool
	pending    []chan configReply // one per config request awaiting a reply, oldest first
	turnToken  stream.Token
	turnCancel context.CancelFunc
}

// New builds a client. It does not connect until Start.
func New(opts Options) (*Client, error) {
	if opts.Identity == nil {
		return nil, errors.New("client: identity store is required")
	}
	if opts.Chat == nil {
		return nil, errors.New("client: chat client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ModeChat
	}
	if !protocol.ValidMode(opts.Mode) {
		return nil, fmt.Errorf("client: unknown mode %q", opts.Mode)
	}

	id := opts.Identity.GetOrCreate()
	url, err := session.Endpoint(opts.SessionURL, id, opts.Secure)
	if err != nil {
		return nil, err
	}

	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger.With("component", "session")
	}

	c := &Client{
		id:       id,
		url:      url,
		logger:   opts.Logger,
		session:  session.New(opts.Session),
		chat:     opts.Chat,
		bus:      opts.Bus,
		observer: opts.Observer,
		mode:     opts.Mode,
	}
	c.router = router.NewRouter(opts.Logger.With("component", "router"), c.handlers())

	c.session.OnMessage(c.router.HandleFrame)
	c.session.OnStateChange(c.onStateChange)

	return c, nil
}

// ID returns the client identity sent with every request.
func (c *Client) ID() string { return c.id }

// URL returns the session endpoint including the clientId query.
func (c *Client) URL() string { return c.url }

// Session exposes the underlying session manager.
func (c *Client) Session() *session.Manager { return c.session }

// Router exposes the envelope router, mainly for its stats.
func (c *Client) Router() *router.Router { return c.router }

// Start opens the workflow session. Reconnects are automatic until
// Stop.
func (c *Client) Start() {
	c.logger.Info("starting client", "client_id", c.id, "url", c.url)
	c.session.Open(c.url)
}

// Stop closes the session for good and cancels an in-flight turn.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.mu.Unlock()
	return c.session.Close()
}

// Mode returns the current front-end mode.
func (c *Client) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the front-end mode and tells the host once the
// session is ready.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	if !protocol.ValidMode(mode) {
		return fmt.Errorf("unknown mode %q", mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	if err := c.session.SendWhenReady(ctx, protocol.NewModeChange(mode)); err != nil {
		return fmt.Errorf("send mode_change: %w", waitErr(err))
	}
	c.logger.Info("mode changed", "mode", mode)
	return nil
}

// RemoteConfig returns the model configuration last reported by the
// host, and whether one has been received.
func (c *Client) RemoteConfig() (protocol.RemoteConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.remote
	cfg.Datasets = append([]protocol.Dataset(nil), c.remote.Datasets...)
	return cfg, c.haveRemote
}

// RequestConfig asks the host for its model configuration and waits
// for the reply.
func (c *Client) RequestConfig(ctx context.Context) (protocol.RemoteConfig, error) {
	return c.awaitConfig(ctx, protocol.NewGetInitialConfig())
}

// SelectModel switches the host's active model.
func (c *Client) SelectModel(ctx context.Context, model string) (protocol.RemoteConfig, error) {
	if model == "" {
		return protocol.RemoteConfig{}, errors.New("model name is required")
	}
	return c.awaitConfig(ctx, protocol.NewSelectConfig(model))
}

// SaveConfig replaces the host's dataset list and selection.
func (c *Client) SaveConfig(ctx context.Context, cfg protocol.RemoteConfig) (protocol.RemoteConfig, error) {
	if cfg.Datasets == nil {
		cfg.Datasets = []protocol.Dataset{}
	}
	return c.awaitConfig(ctx, protocol.NewUpdateConfig(cfg))
}

// awaitConfig sends msg once the session is ready and waits for the
// config_updated that answers it. The host answers config requests in
// order, so replies are matched to requests first in, first out.
func (c *Client) awaitConfig(ctx context.Context, msg any) (protocol.RemoteConfig, error) {
	ch := make(chan configReply, 1)
	if err := c.sendConfigRequest(ctx, msg, ch); err != nil {
		return protocol.RemoteConfig{}, fmt.Errorf("send config request: %w", waitErr(err))
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.RemoteConfig{}, r.err
		}
		if !r.upd.OK() {
			return protocol.RemoteConfig{}, fmt.Errorf("host rejected config request: %s", r.upd.Error)
		}
		cfg, _ := c.RemoteConfig()
		return cfg, nil
	case <-ctx.Done():
		// The slot stays queued so later replies still line up.
		return protocol.RemoteConfig{}, waitErr(ctx.Err())
	}
}

// sendConfigRequest waits for the session, then queues ch and sends
// msg as one step.
func (c *Client) sendConfigRequest(ctx context.Context, msg any, ch chan configReply) error {
	for {
		if err := c.session.WaitReady(ctx); err != nil {
			return err
		}
		err := c.trySendConfigRequest(msg, ch)
		if errors.Is(err, session.ErrNotReady) {
			continue
		}
		return err
	}
}

func (c *Client) trySendConfigRequest(msg any, ch chan configReply) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	err := c.session.Send(msg)
	if err != nil {
		c.mu.Lock()
		for i, p := range c.pending {
			if p == ch {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
	return err
}

// failPending answers every outstanding config request with err.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- configReply{err: err}:
		default:
		}
	}
}

// Ask streams a reply from the chat server. A newer Ask cancels this
// one; snapshots from a superseded turn are never delivered to sink.
func (c *Client) Ask(ctx context.Context, q Question, sink func(stream.Snapshot)) (stream.Snapshot, error) {
	text := q.Text
	if text == "" {
		switch {
		case q.ImageData != "":
			text = "The user uploaded an image"
		case q.Table != nil:
			text = "The user uploaded a table file: " + q.Table.FileName
		default:
			return stream.Snapshot{}, errors.New("nothing to send")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	tok := c.turns.Next()
	c.turnToken = tok
	c.turnCancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.turnToken == tok {
			c.turnCancel = nil
		}
		c.mu.Unlock()
	}()

	c.bus.Emit(events.SourceChat, events.KindTurnStart, map[string]any{
		"turn":     uint64(tok),
		"mode":     protocol.ModeChat,
		"text_len": len(text),
	})

	guarded := c.turns.Guard(tok, func(s stream.Snapshot) {
		c.bus.Emit(events.SourceChat, events.KindTurnDelta, map[string]any{
			"turn":          uint64(tok),
			"answer_len":    len(s.Answer),
			"reasoning_len": len(s.Reasoning),
		})
		if sink != nil {
			sink(s)
		}
	})

	start := time.Now()
	snap, err := c.chat.Stream(ctx, chat.Request{
		Text:      text,
		Mode:      protocol.ModeChat,
		ImageData: q.ImageData,
		TableData: q.Table,
		ClientID:  c.id,
	}, guarded)

	if !c.turns.Valid(tok) {
		c.logger.Debug("turn superseded", "turn", uint64(tok))
		return snap, ErrSuperseded
	}

	data := map[string]any{
		"turn":       uint64(tok),
		"answer":     snap.Answer,
		"reasoning":  snap.Reasoning,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.bus.Emit(events.SourceChat, events.KindTurnComplete, data)

	return snap, err
}

// handlers builds the router callbacks: update client state, publish
// to the bus, then forward to the observer.
func (c *Client) handlers() router.Handlers {
	obs := c.observer
	return router.Handlers{
		Status: func(p protocol.Status) {
			c.bus.Emit(events.SourceRouter, events.KindStatus, map[string]any{
				"queue_remaining": p.Status.ExecInfo.QueueRemaining,
				"sid":             p.SID,
			})
			if obs.Status != nil {
				obs.Status(p)
			}
		},
		Executing: func(p protocol.Executing) {
			c.bus.Emit(events.SourceRouter, events.KindExecuting, map[string]any{
				"node":      p.Node,
				"prompt_id": p.PromptID,
			})
			if obs.Executing != nil {
				obs.Executing(p)
			}
		},
		ChatMessage: func(p protocol.ChatMessage) {
			c.bus.Emit(events.SourceRouter, events.KindChatMessage, map[string]any{
				"text":      p.Text,
				"is_user":   p.IsUser,
				"has_image": p.ImageData != "",
			})
			if c.Mode() != protocol.ModeAgent {
				c.logger.Debug("workflow message outside agent mode", "mode", c.Mode())
				return
			}
			if obs.ChatMessage != nil {
				obs.ChatMessage(p)
			}
		},
		ImageAck: func(p protocol.ImageAck) {
			c.bus.Emit(events.SourceRouter, events.KindImageAck, map[string]any{"success": p.Success})
			if obs.ImageAck != nil {
				obs.ImageAck(p)
			}
		},
		ConfigUpdated: c.onConfigUpdated,
		ModeChanged: func(p protocol.ModeChanged) {
			c.bus.Emit(events.SourceRouter, events.KindModeChanged, map[string]any{"mode": p.Mode})
			if obs.ModeChanged != nil {
				obs.ModeChanged(p)
			}
		},
		Media: func(ev router.MediaEvent) {
			c.bus.Emit(events.SourceRouter, events.KindMedia, map[string]any{
				"code":  ev.Code,
				"mime":  ev.MIME,
				"bytes": len(ev.Data),
			})
			if obs.Media != nil {
				obs.Media(ev)
			}
		},
		Unrecognized: func(env router.Envelope) {
			c.bus.Emit(events.SourceRouter, events.KindUnrecognized, map[string]any{"name": env.Name})
			if obs.Unrecognized != nil {
				obs.Unrecognized(env)
			}
		},
	}
}

// onConfigUpdated folds a config_updated reply into the cache and
// answers the oldest pending config request. A reply with nothing
// pending is an unsolicited update and only refreshes the cache.
func (c *Client) onConfigUpdated(p protocol.ConfigUpdate) {
	c.mu.Lock()
	if p.OK() {
		switch {
		case p.Config != nil:
			c.remote = *p.Config
			if c.remote.SelectedModel == "" && p.SelectedModel != "" {
				c.remote.SelectedModel = p.SelectedModel
			}
			c.haveRemote = true
		case p.SelectedModel != "":
			c.remote.SelectedModel = p.SelectedModel
			c.haveRemote = true
		}
	}
	var waiter chan configReply
	if len(c.pending) > 0 {
		waiter = c.pending[0]
		c.pending = c.pending[1:]
	}
	selected := c.remote.SelectedModel
	datasets := len(c.remote.Datasets)
	c.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- configReply{upd: p}:
		default:
		}
	}

	data := map[string]any{
		"success":        p.OK(),
		"selected_model": selected,
		"datasets":       datasets,
	}
	if p.Error != "" {
		data["error"] = p.Error
	}
	c.bus.Emit(events.SourceRouter, events.KindConfigUpdated, data)

	if p.OK() {
		c.logger.Info("remote config updated", "selected_model", selected, "datasets", datasets)
	} else {
		c.logger.Warn("host rejected config request", "error", p.Error)
	}

	if c.observer.ConfigUpdated != nil {
		c.observer.ConfigUpdated(p)
	}
}

// onStateChange publishes transitions, fails config requests lost
// with a dropped connection, and asks for the host config on every
// fresh connection.
func (c *Client) onStateChange(sc session.StateChange) {
	data := map[string]any{
		"from":    sc.From.String(),
		"to":      sc.To.String(),
		"attempt": sc.Attempt,
	}
	if sc.RetryIn > 0 {
		data["retry_in_ms"] = sc.RetryIn.Milliseconds()
	}
	if sc.Err != nil {
		data["error"] = sc.Err.Error()
	}
	c.bus.Emit(events.SourceSession, events.KindStateChange, data)

	if sc.From == session.StateOpen && sc.To != session.StateOpen {
		c.failPending(ErrConnectionLost)
	}
	if sc.To == session.StateOpen {
		if err := c.trySendConfigRequest(protocol.NewGetInitialConfig(), make(chan configReply, 1)); err != nil {
			c.logger.Warn("initial config request failed", "error", err)
		}
	}
}

// waitErr maps a deadline to ErrTimeout, keeping other errors.
func waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
