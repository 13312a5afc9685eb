// Package router classifies inbound session envelopes and dispatches
// them to typed handlers.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/mxchat/internal/protocol"
	"github.com/nugget/mxchat/internal/session"
)

// Handlers are the callbacks a Router dispatches to. Nil handlers are
// skipped.
type Handlers struct {
	Status        func(protocol.Status)
	Executing     func(protocol.Executing)
	ChatMessage   func(protocol.ChatMessage)
	ImageAck      func(protocol.ImageAck)
	ConfigUpdated func(protocol.ConfigUpdate)
	ModeChanged   func(protocol.ModeChanged)
	Media         func(MediaEvent)

	// Unrecognized receives envelopes whose kind has no mapping.
	Unrecognized func(Envelope)
}

// Stats counts dispatch outcomes.
type Stats struct {
	Dispatched   int64            `json:"dispatched"`
	Unrecognized int64            `json:"unrecognized"`
	Malformed    int64            `json:"malformed"`
	Panics       int64            `json:"panics"`
	Media        int64            `json:"media"`
	KindCounts   map[string]int64 `json:"kind_counts"`
}

// Router dispatches envelopes in the order they are handed to it.
type Router struct {
	logger   *slog.Logger
	handlers Handlers

	mu    sync.Mutex
	stats Stats
}

// NewRouter creates a router with the given handlers.
func NewRouter(logger *slog.Logger, handlers Handlers) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		handlers: handlers,
		stats:    Stats{KindCounts: make(map[string]int64)},
	}
}

// HandleFrame routes one session frame. Text frames are parsed as
// envelopes; binary frames become media events. Frames that cannot be
// parsed are logged and skipped.
func (r *Router) HandleFrame(f session.Frame) {
	switch f.Kind {
	case session.TextFrame:
		env, err := ParseEnvelope(f.Data)
		if err != nil {
			r.count(func(s *Stats) { s.Malformed++ })
			r.logger.Warn("skipping unparseable envelope", "error", err, "bytes", len(f.Data))
			return
		}
		r.Dispatch(env)
	case session.BinaryFrame:
		r.DispatchMedia(MediaEvent{
			Code: f.EventType,
			MIME: MediaType(f.EventType, f.Data),
			Data: f.Data,
		})
	}
}

// Dispatch invokes the handler for env.Kind. Unknown kinds go to the
// Unrecognized handler. Handler panics are recovered and logged.
func (r *Router) Dispatch(env Envelope) {
	defer r.recoverHandler(env.Name)

	switch env.Kind {
	case KindStatus:
		var p protocol.Status
		if r.decode(env, &p) && r.handlers.Status != nil {
			r.handlers.Status(p)
		}
	case KindExecuting:
		var p protocol.Executing
		if r.decode(env, &p) && r.handlers.Executing != nil {
			r.handlers.Executing(p)
		}
	case KindChatMessage:
		var p protocol.ChatMessage
		if !r.decode(env, &p) {
			return
		}
		if p.Text == "" && p.ImageData == "" {
			r.logger.Debug("ignoring empty chat message")
			return
		}
		if r.handlers.ChatMessage != nil {
			r.handlers.ChatMessage(p)
		}
	case KindImageAck:
		var p protocol.ImageAck
		if !r.decode(env, &p) {
			return
		}
		if env.Success != nil {
			p.Success = *env.Success
		}
		if r.handlers.ImageAck != nil {
			r.handlers.ImageAck(p)
		}
	case KindConfigUpdated:
		var p protocol.ConfigUpdate
		if r.decode(env, &p) && r.handlers.ConfigUpdated != nil {
			r.handlers.ConfigUpdated(p)
		}
	case KindModeChanged:
		var p protocol.ModeChanged
		if r.decode(env, &p) && r.handlers.ModeChanged != nil {
			r.handlers.ModeChanged(p)
		}
	default:
		r.count(func(s *Stats) { s.Unrecognized++ })
		r.logger.Debug("unrecognized envelope", "name", env.Name)
		if r.handlers.Unrecognized != nil {
			r.handlers.Unrecognized(env)
		}
	}
}

// DispatchMedia invokes the Media handler.
func (r *Router) DispatchMedia(ev MediaEvent) {
	defer r.recoverHandler("media")

	r.count(func(s *Stats) { s.Media++ })
	r.logger.Debug("media frame", "code", ev.Code, "mime", ev.MIME, "bytes", len(ev.Data))
	if r.handlers.Media != nil {
		r.handlers.Media(ev)
	}
}

// Stats returns a copy of the dispatch counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.KindCounts = make(map[string]int64, len(r.stats.KindCounts))
	for k, v := range r.stats.KindCounts {
		s.KindCounts[k] = v
	}
	return s
}

// decode unmarshals the payload into v. An absent payload leaves v at
// its zero value. A payload of the wrong shape is logged and reported
// as false so the handler is skipped.
func (r *Router) decode(env Envelope, v any) bool {
	if hasPayload(env.Data) {
		if err := json.Unmarshal(env.Data, v); err != nil {
			r.count(func(s *Stats) { s.Malformed++ })
			r.logger.Warn("malformed payload", "kind", env.Kind.String(), "error", err)
			return false
		}
	}
	r.count(func(s *Stats) {
		s.Dispatched++
		s.KindCounts[env.Kind.String()]++
	})
	return true
}

func (r *Router) recoverHandler(name string) {
	if p := recover(); p != nil {
		r.count(func(s *Stats) { s.Panics++ })
		r.logger.Error("envelope handler panicked",
			"name", name,
			"panic", fmt.Sprint(p),
		)
	}
}

func (r *Router) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
