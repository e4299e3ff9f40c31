package batch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/packet-writer/internal/packet"
)

// ClickHouse error codes
const (
	chErrCodeUnknownTable = 60 // Table does not exist
)

// IsRetryableClickhouseError returns true if the error is transient, false if
// retrying the same insert cannot succeed.
func IsRetryableClickhouseError(err error) bool {
	if err == nil {
		return false
	}

	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chErrCodeUnknownTable:
			return false
		}
	}

	return true
}

// ClickhouseInserter inserts packet rows into ClickHouse. Each batch is sent as a
// single native insert block, so a failed send commits nothing.
type ClickhouseInserter struct {
	addr       string
	db         string
	user       string
	pass       string
	table      string
	disableTLS bool
	conn       clickhouse.Conn
	logger     *slog.Logger
}

// ClickhouseInserterOption configures a ClickhouseInserter.
type ClickhouseInserterOption func(*ClickhouseInserter)

// WithClickhouseAddr sets the ClickHouse server address.
func WithClickhouseAddr(addr string) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.addr = addr
	}
}

// WithClickhouseDB sets the database name.
func WithClickhouseDB(db string) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.db = db
	}
}

// WithClickhouseUser sets the username.
func WithClickhouseUser(user string) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.user = user
	}
}

// WithClickhousePassword sets the password.
func WithClickhousePassword(pass string) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.pass = pass
	}
}

// WithClickhouseTable overrides the destination table name.
func WithClickhouseTable(table string) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.table = table
	}
}

// WithClickhouseTLSDisabled disables TLS for the connection.
func WithClickhouseTLSDisabled(disabled bool) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.disableTLS = disabled
	}
}

// WithClickhouseLogger sets the logger.
func WithClickhouseLogger(logger *slog.Logger) ClickhouseInserterOption {
	return func(ci *ClickhouseInserter) {
		ci.logger = logger
	}
}

// NewClickhouseInserter opens a ClickHouse connection.
// The address must be configured via WithClickhouseAddr.
func NewClickhouseInserter(opts ...ClickhouseInserterOption) (*ClickhouseInserter, error) {
	ci := &ClickhouseInserter{
		db:    "default",
		user:  "default",
		table: packet.TableName,
	}
	for _, opt := range opts {
		opt(ci)
	}

	if ci.addr == "" {
		return nil, fmt.Errorf("clickhouse address is required: use WithClickhouseAddr")
	}
	if ci.logger == nil {
		ci.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	chOpts := &clickhouse.Options{
		Addr: []string{ci.addr},
		Auth: clickhouse.Auth{
			Database: ci.db,
			Username: ci.user,
			Password: ci.pass,
		},
	}
	if !ci.disableTLS {
		chOpts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("error opening clickhouse connection: %w", err)
	}

	ci.conn = conn
	return ci, nil
}

// Ping checks the connection.
func (ci *ClickhouseInserter) Ping(ctx context.Context) error {
	return ci.conn.Ping(ctx)
}

// EnsureSchema creates the packet table if it does not exist.
func (ci *ClickhouseInserter) EnsureSchema(ctx context.Context) error {
	if err := ci.conn.Exec(ctx, createClickhouseTableSQL(ci.db, ci.table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", ci.table, err)
	}
	return nil
}

// InsertRows appends every row to one batch and sends it. Any append error
// aborts the batch before anything is sent.
func (ci *ClickhouseInserter) InsertRows(ctx context.Context, rows []*packet.Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := ci.conn.PrepareBatch(ctx, buildClickhouseInsert(ci.db, ci.table, packet.Columns()))
	if err != nil {
		if !IsRetryableClickhouseError(err) {
			ci.logger.Error("packet table is missing, start with --db-migrate to create it", "table", ci.table)
		}
		return fmt.Errorf("error preparing batch: %w", err)
	}

	for i, r := range rows {
		if err := batch.Append(r.Values()...); err != nil {
			_ = batch.Close()
			return fmt.Errorf("error appending row %d to batch: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		_ = batch.Close()
		return fmt.Errorf("error sending batch: %w", err)
	}
	if err := batch.Close(); err != nil {
		return fmt.Errorf("error closing batch: %w", err)
	}

	ci.logger.Debug("wrote packets to clickhouse", "count", len(rows))
	return nil
}

// Close closes the ClickHouse connection.
func (ci *ClickhouseInserter) Close() error {
	return ci.conn.Close()
}

func buildClickhouseInsert(db, table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s.%s (%s)", db, table, strings.Join(columns, ", "))
}

func createClickhouseTableSQL(db, table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			id Int64,
			date DateTime64(3, 'UTC'),
			topic Nullable(String),
			data_collector_id Nullable(Int64),
			organization_id Nullable(Int64),
			gateway Nullable(String),
			tmst Nullable(Int64),
			chan Nullable(Int16),
			rfch Nullable(Int32),
			seqn Nullable(Int32),
			opts Nullable(String),
			port Nullable(Int32),
			freq Nullable(Float64),
			stat Nullable(Int16),
			modu Nullable(String),
			datr Nullable(String),
			codr Nullable(String),
			lsnr Nullable(Float64),
			rssi Nullable(Int32),
			size Nullable(Int32),
			data Nullable(String),
			m_type Nullable(String),
			major Nullable(String),
			mic Nullable(String),
			join_eui Nullable(String),
			dev_eui Nullable(String),
			dev_nonce Nullable(Int32),
			dev_addr Nullable(String),
			adr Nullable(Bool),
			ack Nullable(Bool),
			adr_ack_req Nullable(Bool),
			f_pending Nullable(Bool),
			class_b Nullable(Bool),
			f_count Nullable(Int32),
			f_opts Nullable(String),
			f_port Nullable(Int32),
			error Nullable(String),
			latitude Nullable(Float64),
			longitude Nullable(Float64),
			altitude Nullable(Float64),
			app_name Nullable(String),
			dev_name Nullable(String),
			gw_name Nullable(String)
		) ENGINE = MergeTree
		ORDER BY (date, id)
	`, db, table)
}
