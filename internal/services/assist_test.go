package services_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/docsassist/web-ui/internal/services"
)

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		pageURL string
		want    string
	}{
		{
			name:    "Plain page URL",
			pageURL: "https://docs.example.com",
			want:    "https://docs.example.com:8000",
		},
		{
			name:    "Page URL with port",
			pageURL: "http://docs.example.com:8080",
			want:    "http://docs.example.com:8000",
		},
		{
			name:    "Page URL with path",
			pageURL: "https://docs.example.com/ui/",
			want:    "https://docs.example.com:8000",
		},
		{
			name:    "Empty page URL",
			pageURL: "",
			want:    "http://localhost:8000",
		},
		{
			name:    "Unparseable page URL",
			pageURL: "not a url",
			want:    "http://localhost:8000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.DefaultBaseURL(tt.pageURL); got != tt.want {
				t.Errorf("DefaultBaseURL(%q) = %v, want %v", tt.pageURL, got, tt.want)
			}
		})
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := services.NewClient(services.Config{}); err == nil {
		t.Error("NewClient() error = nil, want base URL error")
	}
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %v, want POST", r.Method)
		}
		if r.URL.Path != "/search/" {
			t.Errorf("path = %v, want /search/", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		for _, want := range []string{
			`"keyword":"reset procedure"`,
			`"mode":"search"`,
			`"product":"router"`,
			`"session_id":"s1"`,
			`"session_index":3`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("request body = %s, want to contain %s", body, want)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hits":[{"title":"Reset guide"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	res, err := client.Search(context.Background(), services.SearchRequest{
		Keyword:      "reset procedure",
		Mode:         "search",
		Product:      "router",
		SessionID:    "s1",
		SessionIndex: 3,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !strings.Contains(string(res), "Reset guide") {
		t.Errorf("Search() = %s, want the backend hits passed through", res)
	}
}

func TestSearchBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail":"mode is not supported"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	_, err := client.Search(context.Background(), services.SearchRequest{Keyword: "q"})

	var apiErr *services.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Search() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %v, want %v", apiErr.StatusCode, http.StatusUnprocessableEntity)
	}
	if apiErr.Retryable {
		t.Error("Retryable = true, want false")
	}
	if !strings.Contains(apiErr.Message, "mode is not supported") {
		t.Errorf("Message = %v, want the backend detail", apiErr.Message)
	}
}

func TestSendFeedback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feedback/" {
			t.Errorf("path = %v, want /feedback/", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		for _, want := range []string{
			`"question":"how do I reset"`,
			`"rating":1`,
			`"comments":"worked first try"`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("request body = %s, want to contain %s", body, want)
			}
		}

		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	err := client.SendFeedback(context.Background(), services.Feedback{
		Question: "how do I reset",
		Answer:   "Hold the button for ten seconds.",
		Rating:   1,
		Comments: "worked first try",
		Product:  "router",
	})
	if err != nil {
		t.Fatalf("SendFeedback() error = %v", err)
	}
}

func TestProducts(t *testing.T) {
	var fetches atomic.Int32
	gotMode := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		gotMode <- r.URL.Query().Get("mode")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"mode":"fixed","products":[{"id":"p1","name":"router","display_name":"Router"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	list, err := client.Products(context.Background(), "")
	if err != nil {
		t.Fatalf("Products() error = %v", err)
	}
	if len(list.Products) != 1 || list.Products[0].Name != "router" {
		t.Errorf("Products() = %+v, want the router product", list)
	}
	if mode := <-gotMode; mode != "fixed" {
		t.Errorf("mode = %v, want the fixed default", mode)
	}

	// A fresh cache entry is served without another backend round trip.
	list, err = client.Products(context.Background(), "")
	if err != nil {
		t.Fatalf("Products() error = %v", err)
	}
	if len(list.Products) != 1 {
		t.Errorf("Products() = %+v, want the cached list", list)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %v, want 1", got)
	}
}

func TestRawFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/raw_file/router/guides/setup.md" {
			t.Errorf("path = %v, want the proxied file path", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/markdown")
		fmt.Fprint(w, "# Setup")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	body, contentType, err := client.RawFile(context.Background(), "router", "guides/setup.md")
	if err != nil {
		t.Fatalf("RawFile() error = %v", err)
	}
	defer body.Close()

	if contentType != "text/markdown" {
		t.Errorf("content type = %v, want text/markdown", contentType)
	}
	content, _ := io.ReadAll(body)
	if string(content) != "# Setup" {
		t.Errorf("content = %s, want the upstream file", content)
	}
}

func TestRawFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	_, _, err := client.RawFile(context.Background(), "router", "missing.md")

	var apiErr *services.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("RawFile() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %v, want %v", apiErr.StatusCode, http.StatusNotFound)
	}
}
