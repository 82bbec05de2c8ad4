package model

import (
	"time"
)

// ChatMessage is a message in a chat thread.
type ChatMessage struct {
	// Platform message id (Slack ts).
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	RoomID   string `json:"room_id"`

	Author *Member `json:"author,omitempty"`
	Text   string  `json:"text"`
	Files  []File  `json:"files,omitempty"`

	// Live is false for replayed history, such as a thread import.
	Live      bool      `json:"live"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTopLevel reports whether the message starts a thread.
func (m *ChatMessage) IsTopLevel() bool {
	return m.ThreadID == "" || m.ThreadID == m.ID
}

// File is an attachment on a chat message.
type File struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ThreadExport is a snapshot of a chat thread awaiting historical import.
type ThreadExport struct {
	ConversationID string          `json:"conversation_id"`
	RoomID         string          `json:"room_id"`
	Messages       []ExportMessage `json:"messages"`
}

// ExportMessage is one message in a ThreadExport.
type ExportMessage struct {
	ID             string    `json:"id"`
	PlatformUserID string    `json:"platform_user_id"`
	Text           string    `json:"text"`
	Files          []File    `json:"files,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
