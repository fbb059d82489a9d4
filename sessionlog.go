package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// SessionRecord is the single outcome record emitted per
// completed-or-failed session.
type SessionRecord struct {
	// ID is the session identifier.
	ID string

	// StartTime is when the connection was accepted.
	StartTime time.Time

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Target is the destination host:port, empty if never parsed.
	Target string

	// Mode is "intercept" or "relay".
	Mode string

	// FinalState is the terminal session state.
	FinalState string

	// ErrorKind classifies the failure for Error-terminated sessions.
	ErrorKind string

	// Error is the failure description, empty on clean close.
	Error string

	// BytesIn is bytes relayed client to upstream.
	BytesIn int64

	// BytesOut is bytes relayed upstream to client.
	BytesOut int64

	// Duration is the time from accept to close.
	Duration time.Duration
}

// SessionLogger emits one structured record per session. Records always
// go to slog; when a Postgres sink is attached they are additionally
// queued for persistence.
type SessionLogger struct {
	logger *slog.Logger
	sink   *PostgresSink
}

// NewSessionLogger creates a SessionLogger writing to the given slog
// logger. For best performance pass a logger backed by
// slog.NewJSONHandler.
func NewSessionLogger(logger *slog.Logger) *SessionLogger {
	return &SessionLogger{logger: logger}
}

// AttachSink adds a persistence sink. Pass nil to detach.
func (sl *SessionLogger) AttachSink(sink *PostgresSink) {
	sl.sink = sink
}

// Log emits the record. Uses slog.LogAttrs to minimize allocations on
// the per-session path.
func (sl *SessionLogger) Log(rec SessionRecord) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.String("session", rec.ID),
		slog.String("client", rec.ClientAddr),
		slog.String("target", rec.Target),
		slog.String("mode", rec.Mode),
		slog.String("state", rec.FinalState),
		slog.Int64("bytes_in", rec.BytesIn),
		slog.Int64("bytes_out", rec.BytesOut),
		slog.Duration("duration", rec.Duration),
	)

	if rec.Error != "" {
		attrs = append(attrs,
			slog.String("error_kind", rec.ErrorKind),
			slog.String("error", rec.Error),
		)
	}

	sl.logger.LogAttrs(context.Background(), slog.LevelInfo, "session", attrs...)

	if sl.sink != nil {
		sl.sink.Enqueue(rec)
	}
}

// PostgresSink persists session records asynchronously. Inserts run on
// a single writer goroutine behind a bounded queue; when the queue is
// full records are dropped with a warning rather than stalling
// sessions.
type PostgresSink struct {
	db     *sqlx.DB
	logger *slog.Logger

	queue chan SessionRecord
	done  chan struct{}
	wg    sync.WaitGroup

	dropMu   sync.Mutex
	lastDrop time.Time
}

// OpenPostgresSink connects to the database, bootstraps the session_log
// table and its partitions, and starts the writer.
func OpenPostgresSink(dsn string, bufferSize int, logger *slog.Logger) (*PostgresSink, error) {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect session log database: %w", err)
	}

	s := &PostgresSink{
		db:     db,
		logger: logger,
		queue:  make(chan SessionRecord, bufferSize),
		done:   make(chan struct{}),
	}

	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// Enqueue queues a record for persistence. Never blocks; drops on a
// full queue.
func (s *PostgresSink) Enqueue(rec SessionRecord) {
	select {
	case s.queue <- rec:
	default:
		s.dropMu.Lock()
		// Rate-limit drop warnings to one per second.
		if time.Since(s.lastDrop) > time.Second {
			s.lastDrop = time.Now()
			s.dropMu.Unlock()
			s.logger.Warn("session log queue full, dropping records")
			return
		}
		s.dropMu.Unlock()
	}
}

// Close stops the writer after draining queued records.
func (s *PostgresSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

const insertRecordSQL = `
	INSERT INTO session_log
		(session_id, started_at, client_addr, target, mode, final_state,
		 error_kind, error_detail, bytes_in, bytes_out, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (s *PostgresSink) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case rec := <-s.queue:
			s.insert(rec)
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case rec := <-s.queue:
					s.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *PostgresSink) insert(rec SessionRecord) {
	_, err := s.db.Exec(insertRecordSQL,
		rec.ID, rec.StartTime, rec.ClientAddr, rec.Target, rec.Mode,
		rec.FinalState, rec.ErrorKind, rec.Error,
		rec.BytesIn, rec.BytesOut, rec.Duration.Milliseconds())
	if err != nil {
		s.logger.Warn("session log insert failed", "error", err)
	}
}

// ensureSchema creates the partitioned session_log table and the
// partitions for the current and next month.
func (s *PostgresSink) ensureSchema() error {
	const createTable = `
		CREATE TABLE IF NOT EXISTS session_log (
			session_id  text        NOT NULL,
			started_at  timestamptz NOT NULL,
			client_addr text        NOT NULL,
			target      text        NOT NULL,
			mode        text        NOT NULL,
			final_state text        NOT NULL,
			error_kind  text        NOT NULL DEFAULT '',
			error_detail text       NOT NULL DEFAULT '',
			bytes_in    bigint      NOT NULL DEFAULT 0,
			bytes_out   bigint      NOT NULL DEFAULT 0,
			duration_ms bigint      NOT NULL DEFAULT 0
		) PARTITION BY RANGE (started_at)`

	if _, err := s.db.Exec(createTable); err != nil {
		return fmt.Errorf("create session_log table: %w", err)
	}

	return s.EnsurePartitions(time.Now())
}

// EnsurePartitions creates the monthly partitions covering now and the
// following month. Intended to be called periodically so inserts never
// land outside an existing partition.
func (s *PostgresSink) EnsurePartitions(now time.Time) error {
	for _, base := range []time.Time{now, now.AddDate(0, 1, 0)} {
		start := time.Date(base.Year(), base.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)

		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS session_log_%s PARTITION OF session_log
			 FOR VALUES FROM ('%s') TO ('%s')`,
			start.Format("2006_01"),
			start.Format("2006-01-02"),
			end.Format("2006-01-02"))

		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create session_log partition: %w", err)
		}
	}
	return nil
}
