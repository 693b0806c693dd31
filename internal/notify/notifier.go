package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification is a push message addressed to a single user.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Record is the wire form of a queued notification.
type Record struct {
	// ID lets consumers drop redelivered records.
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	Notification Notification `json:"notification"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Notifier delivers a notification to a user out of band.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, n Notification) error
}

// LogNotifier only logs; used when no push transport is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) SendToUser(_ context.Context, userID string, n Notification) error {
	l.Logger.Info("push notification (log only)",
		zap.String("user_id", userID),
		zap.String("title", n.Title),
		zap.Any("data", n.Data))
	return nil
}
