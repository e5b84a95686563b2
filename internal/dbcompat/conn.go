package dbcompat

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Row is a single result row keyed by column name. Both engines return
// rows in this shape.
type Row map[string]any

// Conn is the database handle bound to one request scope. Row-returning
// statements run directly on the pool while no transaction is open. The
// first other statement begins a transaction, which stays open until
// Commit or Rollback and also carries later reads. Closing a Conn with
// uncommitted work rolls it back.
//
// A Conn must not be shared between concurrently running scopes.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Conn struct {
	engine Engine
	db     *sql.DB
	tx     *sql.Tx
	closed bool
}

func newConn(engine Engine, db *sql.DB) *Conn {
	return &Conn{engine: engine, db: db}
}

// Engine reports which backend this handle talks to.
func (c *Conn) Engine() Engine {
	return c.engine
}

// Cursor returns a new cursor on this connection.
func (c *Conn) Cursor() *Cursor {
	return &Cursor{conn: c, rowCount: -1}
}

// Execute runs query on a fresh cursor and returns it.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (*Cursor, error) {
	cur := c.Cursor()
	if err := cur.Execute(ctx, query, args...); err != nil {
		return nil, err
	}
	return cur, nil
}

// ExecScript runs each statement of a semicolon separated script. It is
// meant for schema files, which must not contain semicolons inside
// literals.
func (c *Conn) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) begin(ctx context.Context) (*sql.Tx, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return tx, nil
}

// target returns where a statement runs: the open transaction, the pool
// for reads outside a transaction, or a new transaction for writes.
func (c *Conn) target(ctx context.Context, reads bool) (queryer, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.tx == nil && reads {
		return c.db, nil
	}
	return c.begin(ctx)
}

// Commit commits the pending transaction, if any.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback discards the pending transaction, if any.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

// Close rolls back uncommitted work and marks the handle unusable. It is
// safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback on close: %w", err)
	}
	return nil
}

// InTransaction runs fn and commits when it succeeds, rolling back
// otherwise.
func InTransaction(conn *Conn, fn func() error) error {
	if err := fn(); err != nil {
		if rbErr := conn.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := conn.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// Cursor executes statements and hands back their rows. Result sets are
// read in full at execution time, so several cursors can be used on the
// same connection one after the other.
type Cursor struct {
	conn         *Conn
	rows         []Row
	pos          int
	lastInsertID int64
	rowCount     int64
}

// Execute rewrites query for the connection's engine and runs it. Errors
// from the driver are returned as they are.
func (c *Cursor) Execute(ctx context.Context, query string, args ...any) error {
	c.rows, c.pos, c.lastInsertID, c.rowCount = nil, 0, 0, -1

	native := Rewrite(c.conn.engine, query)
	reads := returnsRows(native)

	q, err := c.conn.target(ctx, reads)
	if err != nil {
		return err
	}

	if reads {
		rows, err := q.QueryContext(ctx, native, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		c.rows, err = readRows(rows)
		if err != nil {
			return err
		}
		c.rowCount = int64(len(c.rows))
		return nil
	}

	res, err := q.ExecContext(ctx, native, args...)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		c.lastInsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		c.rowCount = n
	}
	return nil
}

// FetchOne returns the next row, or nil when the result set is exhausted.
func (c *Cursor) FetchOne() (Row, error) {
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

// FetchAll returns every remaining row. The slice is empty, not nil, when
// nothing is left.
func (c *Cursor) FetchAll() ([]Row, error) {
	rest := make([]Row, 0, len(c.rows)-min(c.pos, len(c.rows)))
	for c.pos < len(c.rows) {
		rest = append(rest, c.rows[c.pos])
		c.pos++
	}
	return rest, nil
}

// LastInsertID is the id generated by the last INSERT, or zero.
func (c *Cursor) LastInsertID() int64 {
	return c.lastInsertID
}

// RowCount is the number of rows affected or returned by the last
// statement, or -1 when unknown.
func (c *Cursor) RowCount() int64 {
	return c.rowCount
}

func readRows(rows *sql.Rows) ([]Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	values := make([]any, len(types))
	ptrs := make([]any, len(types))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(types))
		for i, ct := range types {
			row[ct.Name()] = normalizeValue(ct.DatabaseTypeName(), values[i])
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// normalizeValue maps driver values onto one set of Go types, whichever
// engine produced them.
func normalizeValue(dbType string, v any) any {
	kind := baseType(dbType)

	switch x := v.(type) {
	case []byte:
		switch {
		case binaryTypes[kind]:
			return bytes.Clone(x)
		case integerTypes[kind]:
			if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
				return n
			}
		case floatTypes[kind]:
			if f, err := strconv.ParseFloat(string(x), 64); err == nil {
				return f
			}
		}
		return string(x)
	case uint64:
		return int64(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// baseType strips sizes and modifiers: "UNSIGNED INT" and "VARCHAR(255)"
// become "INT" and "VARCHAR".
func baseType(dbType string) string {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	t = strings.TrimPrefix(t, "UNSIGNED ")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

var (
	integerTypes = map[string]bool{
		"INT": true, "INTEGER": true, "TINYINT": true, "SMALLINT": true,
		"MEDIUMINT": true, "BIGINT": true, "YEAR": true,
	}
	floatTypes = map[string]bool{
		"FLOAT": true, "DOUBLE": true, "REAL": true, "DECIMAL": true, "NUMERIC": true,
	}
	binaryTypes = map[string]bool{
		"BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
		"BINARY": true, "VARBINARY": true, "BIT": true, "GEOMETRY": true,
	}
)
