package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"estate-chat/internal/db"
	"estate-chat/internal/models"
)

const pingInterval = 90 * time.Second

// PGListener turns Postgres NOTIFY payloads on db.ChangeChannel into broker events.
type PGListener struct {
	dsn     string
	minWait time.Duration
	maxWait time.Duration
	broker  *Broker
	logger  *slog.Logger
}

func NewPGListener(dsn string, minWait, maxWait time.Duration, broker *Broker, logger *slog.Logger) *PGListener {
	return &PGListener{dsn: dsn, minWait: minWait, maxWait: maxWait, broker: broker, logger: logger}
}

// Run listens until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.minWait, l.maxWait, l.reportEvent)
	defer listener.Close()

	if err := listener.Listen(db.ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", db.ChangeChannel, err)
	}
	l.logger.Info("change listener started", "channel", db.ChangeChannel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			l.handle(n)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("change listener ping failed", "error", err)
			}
		}
	}
}

// handle publishes a decoded notification. pq delivers nil after a reconnect, when
// notifications may have been lost.
func (l *PGListener) handle(n *pq.Notification) {
	if n == nil {
		l.broker.Publish(models.ChangeEvent{Op: models.ChangeResync})
		return
	}
	ev, err := DecodeChange(n.Extra)
	if err != nil {
		l.logger.Warn("dropping malformed change notification", "payload", n.Extra, "error", err)
		return
	}
	l.broker.Publish(ev)
}

func (l *PGListener) reportEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Debug("change listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("change listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		l.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("change listener connection attempt failed", "error", err)
	}
}

// DecodeChange parses the JSON payload written by the notify trigger.
func DecodeChange(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.ChangeEvent{}, err
	}
	switch ev.Op {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		return models.ChangeEvent{}, fmt.Errorf("unknown op %q", ev.Op)
	}
	if ev.ConversationID == "" {
		return models.ChangeEvent{}, fmt.Errorf("missing conversation id")
	}
	return ev, nil
}
