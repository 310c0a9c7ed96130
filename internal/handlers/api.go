package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/docsassist/web-ui/internal/models"
	"github.com/docsassist/web-ui/internal/services"
)

// Input limits mirror the backend's validation, so bad input fails at the
// gateway without a round trip.
const (
	maxKeywordLen  = 1000
	maxProductLen  = 100
	maxQuestionLen = 1000
	maxAnswerLen   = 10000
	maxCommentsLen = 1000
)

type searchRequest struct {
	Keyword   string `json:"keyword"`
	Mode      string `json:"mode"`
	Product   string `json:"product"`
	SessionID string `json:"session_id"`
}

// HandleSearch fronts the backend search endpoint. It validates the query,
// records it in the session's search history, and forwards it together with the
// history position the backend keys its session state on.
func (m Main) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Keyword == "" {
		http.Error(w, "Keyword is required", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(req.Keyword) > maxKeywordLen {
		http.Error(w, "Keyword is too long", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(req.Product) > maxProductLen {
		http.Error(w, "Product is too long", http.StatusBadRequest)
		return
	}
	switch req.Mode {
	case models.ModeSearch, models.ModeChat, models.ModeThink:
	default:
		http.Error(w, "Unknown search mode", http.StatusBadRequest)
		return
	}

	sessionIndex := 0
	if req.SessionID != "" {
		idx, err := m.store.AddSearch(r.Context(), req.SessionID, models.SearchEntry{
			Keyword:   req.Keyword,
			Mode:      req.Mode,
			Product:   req.Product,
			Timestamp: time.Now(),
		})
		if err != nil {
			m.logger.Error("Failed to record search",
				slog.String("sessionID", req.SessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessionIndex = idx
	}

	res, err := m.assist.Search(r.Context(), services.SearchRequest{
		Keyword:      req.Keyword,
		Mode:         req.Mode,
		Product:      req.Product,
		SessionID:    req.SessionID,
		SessionIndex: sessionIndex,
	})
	if err != nil {
		m.writeBackendError(w, "search", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(res)
}

// HandleFeedback forwards answer ratings to the backend.
func (m Main) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var fb services.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if fb.Question == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(fb.Question) > maxQuestionLen {
		http.Error(w, "Question is too long", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(fb.Answer) > maxAnswerLen {
		http.Error(w, "Answer is too long", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(fb.Comments) > maxCommentsLen {
		http.Error(w, "Comments are too long", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(fb.Product) > maxProductLen {
		http.Error(w, "Product is too long", http.StatusBadRequest)
		return
	}

	if err := m.assist.SendFeedback(r.Context(), fb); err != nil {
		m.writeBackendError(w, "feedback", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleProducts returns the product list for the requested mode.
func (m Main) HandleProducts(w http.ResponseWriter, r *http.Request) {
	list, err := m.assist.Products(r.Context(), r.URL.Query().Get("mode"))
	if err != nil {
		m.writeBackendError(w, "products", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		m.logger.Error("Failed to encode products", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleRawFile proxies product documentation files from the backend.
func (m Main) HandleRawFile(w http.ResponseWriter, r *http.Request) {
	product := r.PathValue("product")
	filename := r.PathValue("filename")
	if product == "" || filename == "" {
		http.Error(w, "Product and filename are required", http.StatusBadRequest)
		return
	}

	body, contentType, err := m.assist.RawFile(r.Context(), product, filename)
	if err != nil {
		m.writeBackendError(w, "raw_file", err)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if _, err := io.Copy(w, body); err != nil {
		m.logger.Error("Failed to copy file body", slog.String(errLoggerKey, err.Error()))
	}
}

// writeBackendError maps a backend failure onto the gateway response: backend
// statuses pass through, transport failures become a bad gateway.
func (m Main) writeBackendError(w http.ResponseWriter, op string, err error) {
	m.logger.Error("Backend request failed",
		slog.String("op", op),
		slog.String(errLoggerKey, err.Error()))

	var apiErr *services.APIError
	if errors.As(err, &apiErr) {
		http.Error(w, apiErr.Message, apiErr.StatusCode)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}
