package kvstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/custody-switch/interfaces"
)

var _ interfaces.MessageSender = (*RedisOutbox)(nil)

// RedisOutbox hands messages to an external mailer by appending them to a
// redis stream. The returned delivery id is the stream entry id.
type RedisOutbox struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisOutbox writes to stream, trimming it approximately to maxLen
// entries when maxLen is positive.
func NewRedisOutbox(client *redis.Client, stream string, maxLen int64) *RedisOutbox {
	return &RedisOutbox{client: client, stream: stream, maxLen: maxLen}
}

func (o *RedisOutbox) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient is empty", interfaces.ErrValidation)
	}
	args := &redis.XAddArgs{
		Stream: o.stream,
		Values: map[string]any{
			"recipient": recipient,
			"subject":   subject,
			"body":      body,
		},
	}
	if o.maxLen > 0 {
		args.MaxLen = o.maxLen
		args.Approx = true
	}
	id, err := o.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}
