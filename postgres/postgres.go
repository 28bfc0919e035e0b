// Package postgres stores a partitioned record log in PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Config configures a PostgreSQL-backed stream.
type Config struct {
	// TableName is the records table; partitions live in "<TableName>_partitions" (default "records")
	TableName string
	// PollInterval is how often an empty fetch re-queries while waiting (default 200ms)
	PollInterval time.Duration
	// NotifyConnectionString enables LISTEN/NOTIFY wake-ups on append when set
	NotifyConnectionString string
	Logger                 *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TableName == "" {
		c.TableName = "records"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// quoteIdentifier quotes a PostgreSQL identifier, doubling embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func partitionsTable(tableName string) string {
	return tableName + "_partitions"
}

func notifyChannel(tableName string) string {
	return tableName + "_appended"
}

// InitSchema creates the records and partitions tables if they don't exist.
func InitSchema(db *sql.DB, tableName string) error {
	if tableName == "" {
		return errors.New("table name must not be empty")
	}

	records := quoteIdentifier(tableName)
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		partition_id VARCHAR(255) PRIMARY KEY,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS %s (
		partition_id VARCHAR(255) NOT NULL,
		seq BIGINT NOT NULL,
		enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		attributes JSONB,
		body BYTEA NOT NULL,
		PRIMARY KEY (partition_id, seq)
	);

	CREATE INDEX IF NOT EXISTS %s ON %s(partition_id, enqueued_at);
	`, quoteIdentifier(partitionsTable(tableName)),
		records,
		quoteIdentifier("idx_"+tableName+"_enqueued_at"), records)

	_, err := db.Exec(query)
	return err
}

// Stream is a PostgreSQL implementation of asynccmd.Stream.
// Each partition is a sequence of rows numbered from 0 by seq.
type Stream struct {
	db       *sql.DB
	ownsDB   bool
	cfg      Config
	listener *pq.Listener

	mu     sync.Mutex
	wakeCh chan struct{}
	done   chan struct{}
}

// NewStream creates a stream over an existing connection pool. The caller keeps ownership of db.
func NewStream(db *sql.DB, cfg Config) (*Stream, error) {
	if db == nil {
		return nil, errors.New("database handle must not be nil")
	}
	cfg = cfg.withDefaults()
	s := &Stream{
		db:     db,
		cfg:    cfg,
		wakeCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.NotifyConnectionString != "" {
		if err := s.listen(cfg.NotifyConnectionString); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Open connects to PostgreSQL and creates a stream that owns the connection.
func Open(connectionString string, cfg Config) (*Stream, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.NotifyConnectionString == "" {
		cfg.NotifyConnectionString = connectionString
	}
	s, err := NewStream(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// InitSchema creates the stream's tables if they don't exist.
func (s *Stream) InitSchema() error {
	return InitSchema(s.db, s.cfg.TableName)
}

// Close stops notifications and closes the database if the stream opened it.
func (s *Stream) Close() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
		close(s.done)
	}
	s.mu.Unlock()

	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	if s.ownsDB {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *Stream) listen(connectionString string) error {
	log := s.cfg.Logger
	s.listener = pq.NewListener(connectionString, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := s.listener.Listen(notifyChannel(s.cfg.TableName)); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to listen for appends: %w", err)
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case _, ok := <-s.listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect
				s.wake()
			}
		}
	}()
	return nil
}

// wake releases every fetch waiting for new records.
func (s *Stream) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
}

func (s *Stream) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeCh
}
