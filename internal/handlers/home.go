package handlers

import (
	"log/slog"
	"net/http"

	"github.com/docsassist/web-ui/internal/models"
)

type homePageData struct {
	CurrentSessionID string
	CurrentMode      string
	Sessions         []session
	Messages         []message
	Products         []models.Product
	Embeds           []embedTile
}

// HandleHome renders the main page: the session list, the active conversation
// when one is selected, the product selector, and the embedded application
// tiles with their live bridge states.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.store.Sessions(r.Context())
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentSessionID := r.URL.Query().Get("session_id")
	currentMode := models.ModeChat

	sessionViews := make([]session, len(sessions))
	for i, sess := range sessions {
		sessionViews[i] = session{
			ID:     sess.ID,
			Title:  sess.Title,
			Mode:   sess.Mode,
			Active: sess.ID == currentSessionID,
		}
		if sess.ID == currentSessionID && sess.Mode != "" {
			currentMode = sess.Mode
		}
	}

	var msgs []message
	if currentSessionID != "" {
		messages, err := m.store.Messages(r.Context(), currentSessionID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("sessionID", currentSessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs, err = m.messageViews(messages, "")
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	// The page still renders when the backend is unreachable; the product
	// selector just comes up empty.
	var products []models.Product
	list, err := m.assist.Products(r.Context(), "")
	if err != nil {
		m.logger.Error("Failed to get products", slog.String(errLoggerKey, err.Error()))
	} else {
		products = list.Products
	}

	data := homePageData{
		CurrentSessionID: currentSessionID,
		CurrentMode:      currentMode,
		Sessions:         sessionViews,
		Messages:         msgs,
		Products:         products,
		Embeds:           m.embedTiles(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
