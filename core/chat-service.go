package core

import "context"

type ChatService interface {
	Handle(ctx context.Context, sessionId, message string) string
	HandleStream(ctx context.Context, sessionId, message string) <-chan string
	ClearHistory(sessionId string)
	Close() error
}
