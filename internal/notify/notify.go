// Package notify holds the outbound notification collaborators. Each exposes a
// single send call; retry policy lives with the outbox dispatcher and circuit
// breakers, not here.
package notify

import "context"

type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type ChatMessage struct {
	Text string `json:"text"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

type ChatSender interface {
	SendChat(ctx context.Context, msg ChatMessage) error
}
