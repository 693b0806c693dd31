package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-calls/internal/ingest"
)

// KafkaNotifier hands notifications to the push consumer through a topic.
type KafkaNotifier struct {
	Publisher ingest.Publisher
}

func (k KafkaNotifier) SendToUser(ctx context.Context, userID string, n Notification) error {
	return k.Publisher.Publish(ctx, userID, Record{ID: uuid.NewString(), UserID: userID, Notification: n, CreatedAt: time.Now()})
}
