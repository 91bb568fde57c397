package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role      string    `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	Tokens    int       `bson:"tokens" json:"-"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

type Conversation struct {
	SessionId string    `bson:"session_id"`
	Messages  []Message `bson:"messages"`
	Tokens    int       `bson:"tokens"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type HistoryStorage interface {
	GetHistory(sessionId string) (*Conversation, error)
	AppendMessage(sessionId string, message Message) error
	ClearHistory(sessionId string) error
	Close() error
}
