package models

import "time"

// Session represents one conversation with the documentation assistant. It carries
// the mode the conversation runs in and the product the questions are scoped to,
// so every follow-up round reuses the same backend context.
type Session struct {
	ID        string
	Title     string
	Mode      string
	Product   string
	CreatedAt time.Time
}

// Message represents an individual entry within a session. Assistant messages are
// filled incrementally while an answer streams in.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents an answer produced by the backend.
	RoleAssistant Role = "assistant"
)

// Conversation modes accepted by the backend.
const (
	ModeSearch   = "search"
	ModeChat     = "chat"
	ModeThink    = "think"
	ModeResearch = "research"
)

// Rounds counts the completed user turns in a list of messages.
func Rounds(messages []Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}
