package services_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docsassist/web-ui/internal/models"
	"github.com/docsassist/web-ui/internal/services"
)

func TestBoltDBSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	firstID, err := store.AddSession(ctx, models.Session{
		ID:      "a",
		Title:   "First question",
		Mode:    models.ModeChat,
		Product: "router",
	})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	secondID, err := store.AddSession(ctx, models.Session{ID: "b", Title: "Second question", Mode: models.ModeThink})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	if !strings.HasSuffix(firstID, "-a") {
		t.Errorf("AddSession() id = %v, want the original ID as suffix", firstID)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions() returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != secondID || sessions[1].ID != firstID {
		t.Errorf("Sessions() order = [%v %v], want latest first", sessions[0].ID, sessions[1].ID)
	}
	if sessions[1].Title != "First question" || sessions[1].Mode != models.ModeChat || sessions[1].Product != "router" {
		t.Errorf("Sessions()[1] = %+v, want the stored fields back", sessions[1])
	}

	renamed := sessions[1]
	renamed.Title = "Renamed"
	if err := store.UpdateSession(ctx, renamed); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	sessions, err = store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if sessions[1].Title != "Renamed" {
		t.Errorf("Sessions()[1].Title = %v, want Renamed", sessions[1].Title)
	}

	if err := store.UpdateSession(ctx, models.Session{ID: "missing", Title: "x"}); err != nil {
		t.Errorf("UpdateSession() error = %v, want nil for an unknown session", err)
	}
	sessions, _ = store.Sessions(ctx)
	if len(sessions) != 2 {
		t.Errorf("Sessions() returned %d sessions after unknown update, want 2", len(sessions))
	}
}

func TestBoltDBMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.AddSession(ctx, models.Session{ID: "a", Title: "First question"})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	userID, err := store.AddMessage(ctx, sessionID, models.Message{ID: "u", Role: models.RoleUser, Content: "Hi"})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	answerID, err := store.AddMessage(ctx, sessionID, models.Message{ID: "v", Role: models.RoleAssistant})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	messages, err := store.Messages(ctx, sessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Messages() returned %d messages, want 2", len(messages))
	}
	if messages[0].ID != userID || messages[0].Role != models.RoleUser || messages[0].Content != "Hi" {
		t.Errorf("Messages()[0] = %+v, want the user message", messages[0])
	}
	if messages[1].ID != answerID || messages[1].Role != models.RoleAssistant {
		t.Errorf("Messages()[1] = %+v, want the assistant placeholder", messages[1])
	}

	answer := messages[1]
	answer.Content = "Hold the button for ten seconds."
	if err := store.UpdateMessage(ctx, sessionID, answer); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}

	messages, err = store.Messages(ctx, sessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if messages[1].Content != "Hold the button for ten seconds." {
		t.Errorf("Messages()[1].Content = %v, want the updated answer", messages[1].Content)
	}
}

func TestBoltDBSearches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.AddSession(ctx, models.Session{ID: "a", Title: "First question"})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	keywords := []string{"reset", "firmware", "logs"}
	for i, keyword := range keywords {
		index, err := store.AddSearch(ctx, sessionID, models.SearchEntry{Keyword: keyword, Mode: models.ModeSearch})
		if err != nil {
			t.Fatalf("AddSearch() error = %v", err)
		}
		if index != i+1 {
			t.Errorf("AddSearch() index = %v, want %v", index, i+1)
		}
	}

	entries, err := store.Searches(ctx, sessionID)
	if err != nil {
		t.Fatalf("Searches() error = %v", err)
	}
	if len(entries) != len(keywords) {
		t.Fatalf("Searches() returned %d entries, want %d", len(entries), len(keywords))
	}
	for i, keyword := range keywords {
		if entries[i].Keyword != keyword {
			t.Errorf("Searches()[%d].Keyword = %v, want %v", i, entries[i].Keyword, keyword)
		}
	}
}

func newTestStore(t *testing.T) services.BoltDB {
	t.Helper()
	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}
