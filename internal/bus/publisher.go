// Package bus publishes transcript activity to NATS.
//
// Two subjects are derived from the configured prefix:
//
//	<prefix>.update     one JSON [session.Snapshot] per controller change
//	<prefix>.utterance  one JSON [history.Utterance] per committed piece of text
//
// Publishing is fire-and-forget. A slow or absent subscriber never blocks the
// session controller.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/liveasr/internal/config"
	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/session"
)

// ErrNotConnected is returned by [Publisher.Ping] while the connection is
// reconnecting or closed.
var ErrNotConnected = errors.New("bus: not connected")

const connectTimeout = 5 * time.Second

// Publisher sends snapshots and utterances to NATS. It implements
// [session.UtteranceSink] and is safe for concurrent use.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger

	closeOnce sync.Once
}

var _ session.UtteranceSink = (*Publisher)(nil)

// Connect dials the servers in cfg. It returns an error when no server is
// configured.
func Connect(cfg config.BusConfig, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	subject := cfg.Subject
	if subject == "" {
		subject = config.DefaultBusSubject
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url,
		nats.Name("liveasr"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus: reconnected", "server", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	log.Info("bus: connected", "servers", url, "subject", subject)
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// UpdateSubject is the subject snapshots are published on.
func (p *Publisher) UpdateSubject() string { return p.subject + ".update" }

// UtteranceSubject is the subject committed utterances are published on.
func (p *Publisher) UtteranceSubject() string { return p.subject + ".utterance" }

// Append publishes u. The context is unused; NATS publishes are buffered by
// the client and return immediately.
func (p *Publisher) Append(_ context.Context, u history.Utterance) error {
	if err := p.publish(p.UtteranceSubject(), u); err != nil {
		return fmt.Errorf("bus: publish utterance: %w", err)
	}
	return nil
}

// PublishSnapshot publishes s. Its signature matches
// [session.Controller.Subscribe]; failures are logged.
func (p *Publisher) PublishSnapshot(s session.Snapshot) {
	if err := p.publish(p.UpdateSubject(), s); err != nil {
		p.log.Warn("bus: publish snapshot", "session_id", s.SessionID, "err", err)
	}
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Ping round-trips to the server.
func (p *Publisher) Ping(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection. It is safe to
// call more than once.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.log.Info("bus: closing connection")
		if err = p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	})
	return err
}
