// Package publish fans accepted movement reports out to downstream
// consumers over NATS.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

const defaultSubject = "traintime.movements"

// Config holds the NATS connection settings.
type Config struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// Publisher emits one JSON message per newly accepted movement event.
// Publish failures are logged and dropped so a broker outage never
// stalls ingestion.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.SugaredLogger
}

// Connect opens the NATS connection. The client reconnects forever on
// its own; only the initial dial can fail here.
func Connect(cfg Config, log *zap.SugaredLogger) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	name := cfg.Name
	if name == "" {
		name = "traintime"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	return &Publisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Movement publishes a movement event. Safe to call from the ingest
// hot path: errors are recorded, never returned.
func (p *Publisher) Movement(ev storage.MovementEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorw("marshal movement", "train_id", ev.TrainID, "error", err)
		return
	}
	if err := p.conn.Publish(p.subject, body); err != nil {
		p.log.Warnw("publish movement", "train_id", ev.TrainID, "error", err)
	}
}

// Close drains pending publishes and shuts the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warnw("nats drain", "error", err)
		p.conn.Close()
	}
}
