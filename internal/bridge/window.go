package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docsassist/web-ui/internal/metrics"
)

// WindowState tracks the load lifecycle of an embedded window.
type WindowState int

const (
	// WindowLoading means the embedded application has not checked in yet.
	WindowLoading WindowState = iota
	// WindowLoaded means the embedded application connected within the timeout.
	WindowLoaded
	// WindowTimedOut means no load signal arrived within the timeout. The state
	// is recoverable through Retry; it is not an error.
	WindowTimedOut
)

func (s WindowState) String() string {
	switch s {
	case WindowLoading:
		return "loading"
	case WindowLoaded:
		return "loaded"
	case WindowTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// DefaultLoadTimeout is how long a window waits for its application's load
// signal before entering the timed-out state.
const DefaultLoadTimeout = 5 * time.Second

// Message is one inbound payload from an embedded application, tagged with the
// origin it arrived from. Handlers only ever see messages whose origin passed
// the window's policy.
type Message struct {
	Origin string
	Data   json.RawMessage
}

// Handler consumes inbound messages of a window.
type Handler func(msg Message)

// WindowConfig carries the construction parameters of a Window.
type WindowConfig struct {
	// Name identifies the window in routes and logs. Defaults to the resolved
	// target origin.
	Name string

	// Source is the URL of the embedded application. Required.
	Source string

	// PageOrigin is the origin the gateway itself is served under. It is half
	// of the default origin policy.
	PageOrigin string

	// LoadTimeout defaults to DefaultLoadTimeout when zero.
	LoadTimeout time.Duration

	// Origins is the policy for inbound messages. The zero value trusts
	// PageOrigin and the resolved source origin.
	Origins OriginPolicy

	// Handler receives inbound messages that passed the policy.
	Handler Handler

	Logger *slog.Logger
}

type envelope struct {
	TargetOrigin string          `json:"targetOrigin"`
	Data         json.RawMessage `json:"data"`
}

// Window is one embedded application context. It resolves the target origin
// from its source URL once at construction, tracks the loading / loaded /
// timed-out lifecycle, and filters inbound messages by its origin policy. A
// window counts as loaded once its application connects back through the
// relay.
type Window struct {
	name         string
	source       string
	targetOrigin string
	policy       OriginPolicy
	loadTimeout  time.Duration
	handler      Handler
	logger       *slog.Logger

	outbound chan envelope

	mu     sync.Mutex
	state  WindowState
	timer  *time.Timer
	gen    int
	closed bool
}

// NewWindow creates a window for the given source and starts its load timer.
func NewWindow(cfg WindowConfig) (*Window, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	target, err := ResolveOrigin(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("error resolving target origin: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = target
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Window{
		name:         name,
		source:       cfg.Source,
		targetOrigin: target,
		policy:       cfg.Origins.resolve(cfg.PageOrigin, target),
		loadTimeout:  timeout,
		handler:      cfg.Handler,
		logger:       logger.With(slog.String("module", "bridge"), slog.String("window", name)),
		outbound:     make(chan envelope, 64),
		state:        WindowLoading,
	}
	w.armTimer()

	return w, nil
}

// Name returns the window's identifier.
func (w *Window) Name() string {
	return w.name
}

// Source returns the URL of the embedded application.
func (w *Window) Source() string {
	return w.source
}

// TargetOrigin returns the origin resolved from the source URL at
// construction. Outbound messages default to it.
func (w *Window) TargetOrigin() string {
	return w.targetOrigin
}

// AllowedOrigins returns the trusted origins in sorted order, empty for the
// wildcard policy.
func (w *Window) AllowedOrigins() []string {
	return w.policy.List()
}

// Allows reports whether the window's policy trusts the given origin.
func (w *Window) Allows(origin string) bool {
	return w.policy.Allows(origin)
}

// State returns the current load state.
func (w *Window) State() WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// NotifyLoaded records the application's load signal. It only transitions out
// of the loading state; once timed-out, only Retry restarts the lifecycle.
func (w *Window) NotifyLoaded() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WindowLoading {
		return
	}
	w.state = WindowLoaded
	w.timer.Stop()
	w.logger.Debug("Embedded window loaded", slog.String("source", w.source))
}

// Retry re-assigns the same source to force a reload: the window returns to
// loading and the timeout starts over.
func (w *Window) Retry() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.gen++
	w.state = WindowLoading
	w.timer.Stop()
	w.armTimer()
	w.logger.Info("Embedded window reloading", slog.String("source", w.source))
}

// armTimer starts the load timer for the current generation. Callers hold w.mu.
func (w *Window) armTimer() {
	gen := w.gen
	w.timer = time.AfterFunc(w.loadTimeout, func() {
		w.loadTimedOut(gen)
	})
}

func (w *Window) loadTimedOut(gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A stale timer from before a retry must not fire into the new lifecycle.
	if w.gen != gen || w.state != WindowLoading {
		return
	}
	w.state = WindowTimedOut
	metrics.BridgeLoadTimeouts.Inc()
	w.logger.Warn("Embedded window load timed out",
		slog.String("source", w.source),
		slog.Duration("timeout", w.loadTimeout))
}

// Dispatch feeds one inbound message through the origin policy. Messages from
// disallowed origins are dropped without side effects and never reach the
// handler. It reports whether the message was delivered.
func (w *Window) Dispatch(origin string, data []byte) bool {
	if !w.policy.Allows(origin) {
		metrics.BridgeDroppedMessages.Inc()
		w.logger.Debug("Dropping message from disallowed origin",
			slog.String("origin", origin))
		return false
	}
	if w.handler == nil {
		return false
	}
	w.handler(Message{Origin: origin, Data: data})
	return true
}

// Send queues an outbound message for the resolved target origin.
func (w *Window) Send(v any) error {
	return w.SendTo(w.targetOrigin, v)
}

// SendTo queues an outbound message for an explicit target origin. The relay
// only delivers it to a connection whose origin matches the target; "*"
// delivers to any connection.
func (w *Window) SendTo(origin string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("window %s is closed", w.name)
	}
	select {
	case w.outbound <- envelope{TargetOrigin: origin, Data: data}:
		return nil
	default:
		return fmt.Errorf("outbound queue of window %s is full", w.name)
	}
}

// Close stops the load timer and shuts the outbound queue down. The window must
// not be used afterwards.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.timer.Stop()
	close(w.outbound)
}
