package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CheckRequestConsumer reads price check requests published by other services.
type CheckRequestConsumer struct {
	r messageReader
}

// NewCheckRequestConsumer joins groupID on topic. New groups start at the newest offset so a
// fresh deployment does not replay old requests.
func NewCheckRequestConsumer(brokers []string, topic, groupID string) *CheckRequestConsumer {
	return &CheckRequestConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:           brokers,
			GroupID:           groupID,
			GroupTopics:       []string{topic},
			StartOffset:       kafka.LastOffset,
			MaxWait:           time.Second,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
		}),
	}
}

func (c *CheckRequestConsumer) Close() error {
	return c.r.Close()
}

// ConsumeCheckRequests calls trigger for every check request and commits it afterwards.
// Undecodable messages are logged and committed. It returns ctx.Err() once ctx is done.
func (c *CheckRequestConsumer) ConsumeCheckRequests(ctx context.Context, trigger func(messages.CheckRequested)) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch check request")
		}
		m, err := messages.DecodeCheckRequested(msg.Value)
		if err != nil {
			slog.Warn("skip bad check request",
				"partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
		} else {
			trigger(m)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrapf(err, "commit check request at offset %d", msg.Offset)
		}
	}
}
