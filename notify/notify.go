// Package notify delivers ledger change events to listeners.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rodmar/ledger-engine/ledger"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "ledger:events"

// Log writes every event to a logger at info level.
type Log struct {
	Logger logrus.FieldLogger
}

func NewLog(logger logrus.FieldLogger) *Log {
	return &Log{Logger: logger}
}

func (l *Log) Notify(_ context.Context, ev ledger.Event) error {
	l.Logger.WithFields(logrus.Fields{
		"module":        "notify",
		"event_id":      ev.ID,
		"event":         ev.Type,
		"subject":       ev.Subject,
		"account_types": ev.AffectedAccountTypes,
		"account_ids":   ev.AffectedAccountIDs,
	}).Info("ledger changed")
	return nil
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	Client  redis.UniversalClient
	Channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{Client: client, Channel: channel}
}

func (r *Redis) Notify(ctx context.Context, ev ledger.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.Client.Publish(ctx, r.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, ev ledger.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ledger.Notifier = (*Log)(nil)
	_ ledger.Notifier = (*Redis)(nil)
	_ ledger.Notifier = Multi(nil)
)
