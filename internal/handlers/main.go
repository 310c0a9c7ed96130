package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	assistwebui "github.com/docsassist/web-ui"
	"github.com/docsassist/web-ui/internal/bridge"
	"github.com/docsassist/web-ui/internal/models"
	"github.com/docsassist/web-ui/internal/services"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

const errLoggerKey = "err"

// DefaultMaxRounds is the session round limit applied when the configuration
// leaves it unset.
const DefaultMaxRounds = 10

// Assist represents the documentation assistant backend. The streaming methods
// run an answer stream to completion, forwarding every notification to the
// callback; the remaining methods map one-to-one onto the backend's JSON
// endpoints.
type Assist interface {
	ChatStream(ctx context.Context, req services.ChatRequest, fn services.StreamFunc) error
	ThinkStream(ctx context.Context, req services.ChatRequest, fn services.StreamFunc) error
	ResearchStream(ctx context.Context, req services.ChatRequest, fn services.StreamFunc) error

	Search(ctx context.Context, req services.SearchRequest) (json.RawMessage, error)
	SendFeedback(ctx context.Context, fb services.Feedback) error
	Products(ctx context.Context, mode string) (models.ProductList, error)
	RawFile(ctx context.Context, product, filename string) (io.ReadCloser, string, error)
}

// Store defines the interface for managing session and message persistence. It
// provides methods for creating, reading, and updating sessions, their
// messages, and their search history.
type Store interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	AddSession(ctx context.Context, session models.Session) (string, error)
	UpdateSession(ctx context.Context, session models.Session) error

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	AddMessage(ctx context.Context, sessionID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, sessionID string, message models.Message) error

	AddSearch(ctx context.Context, sessionID string, entry models.SearchEntry) (int, error)
	Searches(ctx context.Context, sessionID string) ([]models.SearchEntry, error)
}

// Main handles the core functionality of the assistant gateway, managing
// server-sent events, HTML templates, and the interactions between the backend
// client, the session store, and the embedded application bridges.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	assist Assist
	store  Store
	relays map[string]*bridge.Relay

	logger    *slog.Logger
	maxRounds int

	// streamCtx parents every background answer stream, so Shutdown can cancel
	// them all at once.
	streamCtx   context.Context
	stopStreams context.CancelFunc
}

// MainConfig carries the dependencies of Main.
type MainConfig struct {
	Assist Assist
	Store  Store

	// Relays are the embedded application bridges served under /embed/, keyed
	// by their window names.
	Relays []*bridge.Relay

	// MaxRounds caps the user turns accepted per session. Zero applies
	// DefaultMaxRounds, a negative value disables the limit.
	MaxRounds int

	Logger *slog.Logger
}

const sessionsSSETopic = "sessions"

// NewMain creates a new Main instance from the provided dependencies. It
// initializes the SSE server and parses the required HTML templates from the
// embedded filesystem. The SSE server is configured to handle both default
// events and session-specific topics.
func NewMain(cfg MainConfig) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		assistwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}

	relays := make(map[string]*bridge.Relay, len(cfg.Relays))
	for _, relay := range cfg.Relays {
		relays[relay.Window().Name()] = relay
	}

	streamCtx, stopStreams := context.WithCancel(context.Background())

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// We create a message-specific topic if the client watches one answer
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:   tmpl,
		markdown:    newMarkdown(),
		assist:      cfg.Assist,
		store:       cfg.Store,
		relays:      relays,
		logger:      logger.With(slog.String("module", "handlers")),
		maxRounds:   maxRounds,
		streamCtx:   streamCtx,
		stopStreams: stopStreams,
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the event stream browsers subscribe to for session list and
// answer updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's live surfaces. In-flight
// answer streams are cancelled and bridge windows closed, then a close message
// is broadcast to all connected SSE clients, which get up to 5 seconds to
// terminate. After the timeout, any remaining connections are forcefully
// closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.stopStreams()

	for _, relay := range m.relays {
		relay.Window().Close()
	}

	e := &sse.Message{Type: sse.Type("closeSession")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
