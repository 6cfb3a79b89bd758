// Package sqlclient performs workload operations against a SQL table.
//
// Each resource is one row keyed by id:
//
//	add      INSERT a row
//	delete   DELETE it
//	rename   UPDATE its id
//	modify   UPDATE its value
//	search   SELECT rows by id
//	compare  SELECT whether the row holds a value
//
// bind has no SQL equivalent and is not supported.
package sqlclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/willfong/workload-generator/internal/engine"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the connection settings of the SQL client.
type Config struct {
	Driver      string
	DSN         string
	Table       string
	CreateTable bool
	// MaxOpenConns caps live connections; zero means unlimited.
	MaxOpenConns int
	// QueryTimeout bounds each statement; zero leaves it to the server.
	QueryTimeout time.Duration
	DialTimeout  time.Duration
}

// Client opens dedicated connections from one database handle.
type Client struct {
	db      *sql.DB
	cfg     Config
	queries queries
}

type queries struct {
	insert, delete, rename, modify, search, compare, create string
}

// New opens the database handle. No connection is made until Dial.
func New(cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: database DSN is required", engine.ErrConfiguration)
	}
	if cfg.Driver == "" {
		cfg.Driver = "mysql"
	}
	dsn := cfg.DSN
	if cfg.Driver == "mysql" {
		var err error
		if dsn, err = normalizeDSN(dsn, cfg.DialTimeout); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c, err := NewWithDB(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB, cfg Config) (*Client, error) {
	if cfg.Table == "" {
		cfg.Table = "workgen_resources"
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", engine.ErrConfiguration, cfg.Table)
	}
	// connections closed by the engine must really close, so reconnects
	// reach the server instead of the idle pool
	db.SetMaxIdleConns(0)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return &Client{db: db, cfg: cfg, queries: buildQueries(cfg.Table)}, nil
}

func buildQueries(table string) queries {
	t := "`" + table + "`"
	return queries{
		insert:  "INSERT INTO " + t + " (id, value) VALUES (?, ?)",
		delete:  "DELETE FROM " + t + " WHERE id = ?",
		rename:  "UPDATE " + t + " SET id = ? WHERE id = ?",
		modify:  "UPDATE " + t + " SET value = ? WHERE id = ?",
		search:  "SELECT id, value FROM " + t + " WHERE id = ?",
		compare: "SELECT COUNT(*) FROM " + t + " WHERE id = ? AND value = ?",
		create:  "CREATE TABLE IF NOT EXISTS " + t + " (id VARCHAR(255) NOT NULL PRIMARY KEY, value TEXT)",
	}
}

// normalizeDSN validates a MySQL DSN and applies the dial timeout.
func normalizeDSN(dsn string, dialTimeout time.Duration) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: invalid MySQL DSN: %w", engine.ErrConfiguration, err)
	}
	if dialTimeout > 0 {
		mc.Timeout = dialTimeout
	}
	return mc.FormatDSN(), nil
}

// Setup verifies the server is reachable and creates the table if configured.
func (c *Client) Setup(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if !c.cfg.CreateTable {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, c.queries.create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", c.cfg.Table, err)
	}
	return nil
}

// Close releases the database handle.
func (c *Client) Close() error { return c.db.Close() }

func (c *Client) Supports(k engine.Kind) bool { return k != engine.KindBind }

// Dial checks out one dedicated connection.
func (c *Client) Dial(ctx context.Context) (engine.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, classify(err)
	}
	return &Conn{conn: conn, q: c.queries, timeout: c.cfg.QueryTimeout}, nil
}

// Conn is one database session. *sql.Conn serializes concurrent callers.
type Conn struct {
	conn    *sql.Conn
	q       queries
	timeout time.Duration
}

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) Do(ctx context.Context, req engine.Request) (engine.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	switch req.Kind {
	case engine.KindAdd:
		return c.exec(ctx, false, c.q.insert, req.Target, req.Value)
	case engine.KindDelete:
		return c.exec(ctx, true, c.q.delete, req.Target)
	case engine.KindRename:
		return c.exec(ctx, true, c.q.rename, req.NewTarget, req.Target)
	case engine.KindModify:
		return c.exec(ctx, true, c.q.modify, req.Value, req.Target)
	case engine.KindSearch:
		return c.search(ctx, req.Target)
	case engine.KindCompare:
		return c.compare(ctx, req.Target, req.Value)
	default:
		return engine.Result{}, fmt.Errorf("%w: %s", engine.ErrUnsupportedKind, req.Kind)
	}
}

func (c *Conn) exec(ctx context.Context, mustMatch bool, query string, args ...any) (engine.Result, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return engine.Result{}, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return engine.Result{}, classify(err)
	}
	if mustMatch && n == 0 {
		return engine.Result{}, engine.OperationError(&engine.CodedError{Code: CodeNoRows, Err: errors.New("no matching row")})
	}
	return engine.Result{Count: int(n)}, nil
}

func (c *Conn) search(ctx context.Context, id string) (engine.Result, error) {
	rows, err := c.conn.QueryContext(ctx, c.q.search, id)
	if err != nil {
		return engine.Result{}, classify(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return engine.Result{}, classify(err)
	}
	return engine.Result{Count: n}, nil
}

func (c *Conn) compare(ctx context.Context, id, value string) (engine.Result, error) {
	var n int
	if err := c.conn.QueryRowContext(ctx, c.q.compare, id, value).Scan(&n); err != nil {
		return engine.Result{}, classify(err)
	}
	if n > 0 {
		return engine.Result{Code: CodeCompareTrue, Count: n}, nil
	}
	return engine.Result{Code: CodeCompareFalse}, nil
}

// Result codes reported by the SQL client in addition to MySQL error numbers.
const (
	CodeNoRows       = "no_rows"
	CodeCompareTrue  = "compare_true"
	CodeCompareFalse = "compare_false"
)

// MySQL server errors that mean the session is gone.
var connectivityErrors = map[uint16]bool{
	1040: true, // too many connections
	1053: true, // server shutdown in progress
	1152: true, // aborted connection
	1927: true, // connection was killed
}

// classify wraps a database error with the engine's error class. MySQL
// server errors carry their error number as the result code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		coded := &engine.CodedError{Code: strconv.Itoa(int(me.Number)), Err: err}
		if connectivityErrors[me.Number] {
			return engine.ConnectivityError(coded)
		}
		return engine.OperationError(coded)
	}

	var ne net.Error
	switch {
	case errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &ne):
		return engine.ConnectivityError(err)
	}
	return engine.OperationError(err)
}
