package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docsassist/web-ui/internal/models"
	"github.com/docsassist/web-ui/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type session struct {
	ID    string
	Title string
	Mode  string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
)

// maxRoundsMessage is served as the assistant answer once a session reaches the
// configured round limit. No backend stream is opened for it.
const maxRoundsMessage = "Maximum conversation rounds reached, please start a new conversation."

// HandleChats processes conversation turns through HTTP POST requests, managing
// both new session creation and follow-up questions. It accepts the question
// through form data, persists the user message and an empty assistant message,
// and initiates asynchronous streaming of the backend answer.
//
// The handler expects a "message" form field and optional "session_id", "mode"
// and "product" fields. If no session_id is provided, it creates a new session
// titled after the question. Answers are streamed through Server-Sent Events
// and the UI updates accordingly through template rendering.
//
// The function returns appropriate HTTP error responses for invalid methods,
// missing required fields, or internal processing errors. For successful
// requests, it renders either a complete chatbox template for new sessions or
// individual message templates for existing ones.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(msg) > maxKeywordLen {
		http.Error(w, "Message is too long", http.StatusBadRequest)
		return
	}

	mode := r.FormValue("mode")
	if mode == "" {
		mode = models.ModeChat
	}
	switch mode {
	case models.ModeChat, models.ModeThink, models.ModeResearch:
	default:
		m.logger.Error("Unknown conversation mode", slog.String("mode", mode))
		http.Error(w, "Unknown conversation mode", http.StatusBadRequest)
		return
	}

	var (
		sess models.Session
		err  error
	)
	sessionID := r.FormValue("session_id")
	// We track if this is a new session to determine the appropriate template rendering strategy
	isNewSession := false
	if sessionID == "" {
		sess, err = m.newSession(msg, mode, r.FormValue("product"))
		if err != nil {
			m.logger.Error("Failed to create new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewSession = true
	} else {
		sess, err = m.session(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to load session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	// The history fetched before this turn's messages are stored doubles as the
	// conversation context sent to the backend.
	history, err := m.store.Messages(r.Context(), sess.ID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	limited := m.maxRounds > 0 && models.Rounds(history) >= m.maxRounds

	// We create two messages: the user's question and a placeholder for the answer
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   msg,
		Timestamp: time.Now(),
	}
	userMsgID, err := m.store.AddMessage(r.Context(), sess.ID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	um.ID = userMsgID

	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	if limited {
		am.Content = maxRoundsMessage
	}
	aiMsgID, err := m.store.AddMessage(r.Context(), sess.ID, am)
	if err != nil {
		m.logger.Error("Failed to add assistant message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am.ID = aiMsgID

	if !limited {
		go m.streamAnswer(sess, am, services.ChatRequest{
			Keyword:  msg,
			Messages: history,
			Product:  sess.Product,
		})
	}

	// The answer placeholder keeps streaming until its stream settles; a
	// limited session's answer is already complete.
	loadingID := aiMsgID
	if limited {
		loadingID = ""
	}

	if isNewSession {
		messages, err := m.store.Messages(r.Context(), sess.ID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("sessionID", sess.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		msgs, err := m.messageViews(messages, loadingID)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		data := homePageData{
			CurrentSessionID: sess.ID,
			CurrentMode:      sess.Mode,
			Messages:         msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	pair, err := m.messageViews([]models.Message{um, am}, loadingID)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", pair[0]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", pair[1]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// newSession stores a session titled after its first question and publishes the
// refreshed session list to SSE subscribers.
func (m Main) newSession(firstMessage, mode, product string) (models.Session, error) {
	sess := models.Session{
		ID:        uuid.New().String(),
		Title:     sessionTitle(firstMessage),
		Mode:      mode,
		Product:   product,
		CreatedAt: time.Now(),
	}
	newID, err := m.store.AddSession(context.Background(), sess)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to add session: %w", err)
	}
	sess.ID = newID

	divs, err := m.sessionDivs(sess.ID)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to create session divs: %w", err)
	}

	msg := sse.Message{
		Type: sessionsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, sessionsSSETopic); err != nil {
		return models.Session{}, fmt.Errorf("failed to publish sessions: %w", err)
	}

	return sess, nil
}

// session loads one session by ID. The store has no point lookup, so we scan
// the session list.
func (m Main) session(ctx context.Context, id string) (models.Session, error) {
	sessions, err := m.store.Sessions(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get sessions: %w", err)
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return models.Session{}, fmt.Errorf("session %s is not found", id)
}

// streamAnswer runs the backend answer stream for one assistant message,
// persisting and publishing a rendered snapshot after every chunk. Gateway
// shutdown cancels it, which surfaces the terminated marker as the tail of the
// answer.
func (m Main) streamAnswer(sess models.Session, msg models.Message, req services.ChatRequest) {
	// Ensure SSE watchers of this answer are released when the stream settles
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e)
	}()

	stream := m.assist.ChatStream
	switch sess.Mode {
	case models.ModeThink:
		stream = m.assist.ThinkStream
	case models.ModeResearch:
		stream = m.assist.ResearchStream
	}

	var answer strings.Builder
	err := stream(m.streamCtx, req, func(chunk string, final bool) {
		// Close and failure notifications carry no content to render.
		if chunk == "" {
			return
		}
		answer.WriteString(chunk)
		msg.Content = answer.String()

		if err := m.store.UpdateMessage(context.Background(), sess.ID, msg); err != nil {
			m.logger.Error("Failed to update message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		m.publishMessage(msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Answer stream failed",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		e := sse.Message{
			Type: messagesSSEType,
		}
		e.AppendData(err.Error())
		_ = m.sseSrv.Publish(&e, messageIDTopic(msg.ID))
	}
}

// publishMessage renders a message's markdown content and publishes it to the
// message's SSE topic.
func (m Main) publishMessage(msg models.Message) {
	rendered, err := m.renderMarkdown(msg.Content)
	if err != nil {
		m.logger.Error("Failed to render message content",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{
		Type: messagesSSEType,
	}
	e.AppendData(string(rendered))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// messageViews renders stored messages for template delivery. The message with
// loadingID is marked as still streaming, all others as settled.
func (m Main) messageViews(messages []models.Message, loadingID string) ([]message, error) {
	msgs := make([]message, len(messages))
	for i := range messages {
		streamingState := "ended"
		if loadingID != "" && messages[i].ID == loadingID {
			streamingState = "loading"
		}
		content, err := m.renderMarkdown(messages[i].Content)
		if err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", messages[i].ID, err)
		}
		msgs[i] = message{
			ID:             messages[i].ID,
			Role:           string(messages[i].Role),
			Content:        content,
			Timestamp:      messages[i].Timestamp,
			StreamingState: streamingState,
		}
	}
	return msgs, nil
}

func (m Main) sessionDivs(activeID string) (string, error) {
	sessions, err := m.store.Sessions(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get sessions: %w", err)
	}

	var sb strings.Builder
	for _, sess := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "session_title", session{
			ID:     sess.ID,
			Title:  sess.Title,
			Mode:   sess.Mode,
			Active: sess.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute session_title template: %w", err)
		}
	}
	return sb.String(), nil
}

// sessionTitle derives a session title from the first question.
func sessionTitle(msg string) string {
	title := strings.Join(strings.Fields(msg), " ")
	if runes := []rune(title); len(runes) > 80 {
		title = strings.TrimSpace(string(runes[:80])) + "..."
	}
	return title
}
