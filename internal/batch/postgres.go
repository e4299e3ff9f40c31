package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/malbeclabs/packet-writer/internal/packet"
)

// Postgres caps a single statement at 65535 bind parameters.
const maxPostgresParams = 65535

const defaultConnectTimeout = time.Minute

// PostgresInserter inserts packet rows into PostgreSQL, one transaction per batch.
type PostgresInserter struct {
	dsn            string
	table          string
	maxConns       int32
	connectTimeout time.Duration
	pool           *pgxpool.Pool
	logger         *slog.Logger
}

// PostgresInserterOption configures a PostgresInserter.
type PostgresInserterOption func(*PostgresInserter)

// WithPostgresDSN sets the connection string.
func WithPostgresDSN(dsn string) PostgresInserterOption {
	return func(pi *PostgresInserter) {
		pi.dsn = dsn
	}
}

// WithPostgresTable overrides the destination table name.
func WithPostgresTable(table string) PostgresInserterOption {
	return func(pi *PostgresInserter) {
		pi.table = table
	}
}

// WithPostgresMaxConns sets the pool size.
func WithPostgresMaxConns(n int32) PostgresInserterOption {
	return func(pi *PostgresInserter) {
		pi.maxConns = n
	}
}

// WithPostgresConnectTimeout bounds how long startup keeps retrying the first ping.
func WithPostgresConnectTimeout(d time.Duration) PostgresInserterOption {
	return func(pi *PostgresInserter) {
		pi.connectTimeout = d
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresInserterOption {
	return func(pi *PostgresInserter) {
		pi.logger = logger
	}
}

// NewPostgresInserter connects to PostgreSQL, retrying with exponential backoff
// until the database answers a ping or the connect timeout elapses.
func NewPostgresInserter(ctx context.Context, opts ...PostgresInserterOption) (*PostgresInserter, error) {
	pi := &PostgresInserter{
		table:          packet.TableName,
		maxConns:       4,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(pi)
	}

	if pi.dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required: use WithPostgresDSN")
	}
	if pi.logger == nil {
		pi.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	poolConfig, err := pgxpool.ParseConfig(pi.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = pi.maxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			pi.logger.Warn("failed to ping postgres, retrying", "attempt", attempt)
		}
		attempt++
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(pi.connectTimeout))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	pi.pool = pool
	pi.logger.Info("connected to postgres", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return pi, nil
}

// EnsureSchema creates the packet table if it does not exist.
func (pi *PostgresInserter) EnsureSchema(ctx context.Context) error {
	if _, err := pi.pool.Exec(ctx, createPostgresTableSQL(pi.table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", pi.table, err)
	}
	return nil
}

// InsertRows inserts rows with multi-row INSERT statements inside one transaction.
// Any failure rolls the whole transaction back.
func (pi *PostgresInserter) InsertRows(ctx context.Context, rows []*packet.Row) (err error) {
	if len(rows) == 0 {
		return nil
	}

	tx, err := pi.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				pi.logger.Error("error rolling back transaction", "error", rbErr)
			}
		}
	}()

	columns := packet.Columns()
	for _, chunk := range chunkRows(rows, maxPostgresParams/len(columns)) {
		query := buildPostgresInsert(pi.table, columns, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			args = append(args, r.Values()...)
		}
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("error inserting rows: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (pi *PostgresInserter) Close() error {
	pi.pool.Close()
	return nil
}

func chunkRows(rows []*packet.Row, size int) [][]*packet.Row {
	var chunks [][]*packet.Row
	for len(rows) > size {
		chunks = append(chunks, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		chunks = append(chunks, rows)
	}
	return chunks
}

// buildPostgresInsert returns INSERT INTO "table" ("a", "b") VALUES ($1, $2), ($3, $4), ...
func buildPostgresInsert(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(col))
	}
	b.WriteString(") VALUES ")

	param := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(param))
			param++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func createPostgresTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			date TIMESTAMPTZ NOT NULL,
			topic VARCHAR(256),
			data_collector_id BIGINT,
			organization_id BIGINT,
			gateway VARCHAR(16),
			tmst BIGINT,
			chan SMALLINT,
			rfch INTEGER,
			seqn INTEGER,
			opts VARCHAR(20),
			port INTEGER,
			freq DOUBLE PRECISION,
			stat SMALLINT,
			modu VARCHAR(4),
			datr VARCHAR(50),
			codr VARCHAR(10),
			lsnr DOUBLE PRECISION,
			rssi INTEGER,
			size INTEGER,
			data VARCHAR(300),
			m_type VARCHAR(20),
			major VARCHAR(10),
			mic VARCHAR(8),
			join_eui VARCHAR(16),
			dev_eui VARCHAR(16),
			dev_nonce INTEGER,
			dev_addr VARCHAR(8),
			adr BOOLEAN,
			ack BOOLEAN,
			adr_ack_req BOOLEAN,
			f_pending BOOLEAN,
			class_b BOOLEAN,
			f_count INTEGER,
			f_opts VARCHAR(2048),
			f_port INTEGER,
			error VARCHAR(300),
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			app_name VARCHAR(100),
			dev_name VARCHAR(100),
			gw_name VARCHAR(128)
		)
	`, pq.QuoteIdentifier(table))
}
