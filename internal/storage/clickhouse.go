package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Archive keeps the raw feed messages in ClickHouse, append only.
// It lives outside the Store contract and is optional at runtime.
type Archive struct {
	conn driver.Conn
}

// OpenArchive opens a connection to ClickHouse and bootstraps the
// archive schema.
func OpenArchive(ctx context.Context, cfg ClickHouseConfig) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	a := &Archive{conn: conn}
	if err := a.createSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Close closes the ClickHouse connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}

func (a *Archive) createSchema(ctx context.Context) error {
	err := a.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feed_messages (
			topic        LowCardinality(String),
			received_at  DateTime64(3),
			msg_type     LowCardinality(String),
			train_id     LowCardinality(String),
			body         String,
			recorded_at  DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(received_at)
		ORDER BY (topic, received_at)
		SETTINGS index_granularity = 8192
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// FeedMessage is one raw message as taken off the wire.
type FeedMessage struct {
	Topic      string
	ReceivedAt time.Time
	MsgType    string
	TrainID    string
	Body       string
}

// ArchiveBatch stores a batch of raw feed messages.
func (a *Archive) ArchiveBatch(ctx context.Context, msgs []FeedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO feed_messages (topic, received_at, msg_type, train_id, body)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range msgs {
		if err := batch.Append(m.Topic, m.ReceivedAt, m.MsgType, m.TrainID, m.Body); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ArchiveQuery filters QueryArchive. Zero-value fields are ignored.
type ArchiveQuery struct {
	Topic   string
	MsgType string
	TrainID string
	Since   *time.Time
	Limit   int
}

// QueryArchive retrieves archived messages, newest first.
func (a *Archive) QueryArchive(ctx context.Context, q ArchiveQuery) ([]FeedMessage, error) {
	var conditions []string
	var args []any

	if q.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, q.Topic)
	}
	if q.MsgType != "" {
		conditions = append(conditions, "msg_type = ?")
		args = append(args, q.MsgType)
	}
	if q.TrainID != "" {
		conditions = append(conditions, "train_id = ?")
		args = append(args, q.TrainID)
	}
	if q.Since != nil {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, *q.Since)
	}

	query := `SELECT topic, received_at, msg_type, train_id, body FROM feed_messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := 100
	if q.Limit > 0 {
		limit = q.Limit
	}
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT %d", limit)

	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []FeedMessage
	for rows.Next() {
		var m FeedMessage
		if err := rows.Scan(&m.Topic, &m.ReceivedAt, &m.MsgType, &m.TrainID, &m.Body); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Count returns the number of archived messages, optionally filtered
// by topic.
func (a *Archive) Count(ctx context.Context, topic string) (uint64, error) {
	var count uint64
	var err error
	if topic != "" {
		row := a.conn.QueryRow(ctx, "SELECT count() FROM feed_messages WHERE topic = ?", topic)
		err = row.Scan(&count)
	} else {
		row := a.conn.QueryRow(ctx, "SELECT count() FROM feed_messages")
		err = row.Scan(&count)
	}
	return count, err
}
