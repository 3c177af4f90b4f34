package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL. PostgresStore
// publishes the session id on every checkpoint; Listen delivers those ids to
// subscribers such as the session events stream.
type Notifier struct {
	DSN     string
	Channel string
	Logger  *zap.Logger
}

// NewNotifier constructs a new Notifier. The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.
func NewNotifier(dsn, channel string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{DSN: dsn, Channel: channel, Logger: logger}
}

// Notify publishes the session ID on the channel through exec, typically
// the transaction that wrote the checkpoint so listeners only hear about
// committed writes. It is a no-op without a channel.
func (n *Notifier) Notify(ctx context.Context, exec sqlx.ExecerContext, sessionID string) error {
	if n.Channel == "" {
		return nil
	}
	_, err := exec.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, sessionID)
	return err
}

// Listen opens a dedicated listener connection and yields session IDs as
// they are received. The returned channel is closed once ctx is cancelled.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(n.DSN, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				n.Logger.Warn("notify listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", n.Channel, err)
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-listener.Notify:
				// A nil notification signals a reconnect; events sent while
				// disconnected are lost.
				if note == nil {
					continue
				}
				select {
				case ch <- note.Extra:
				case <-ctx.Done():
					return
				}
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					n.Logger.Warn("notify listener ping", zap.Error(err))
				}
			}
		}
	}()
	return ch, nil
}
