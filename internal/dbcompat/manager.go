package dbcompat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"dh2ocol/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoScope       = errors.New("dbcompat: no database scope in context")
	ErrScopeReleased = errors.New("dbcompat: database scope already released")
	ErrConnClosed    = errors.New("dbcompat: connection is closed")
)

// Manager hands out one Conn per scope. The underlying *sql.DB pool is
// shared by the whole process; Conns are not.
type Manager struct {
	engine Engine
	db     *sql.DB
}

// NewManager opens the pool for the engine selected by cfg.Type. No
// connection is made until the first statement runs.
func NewManager(cfg config.Database) (*Manager, error) {
	engine, err := ParseEngine(cfg.Type)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch engine {
	case SQLite:
		db, err = openSQLite(cfg.SQLitePath)
	case MySQL:
		db, err = openMySQL(cfg)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Database configured", "engine", engine)
	return &Manager{engine: engine, db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("SQLITE_DB_PATH must not be empty")
	}

	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return db, nil
}

func openMySQL(cfg config.Database) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Engine reports the configured backend.
func (m *Manager) Engine() Engine {
	return m.engine
}

// Ping checks connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close closes the pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

type scopeKey struct{}

type scope struct {
	mu       sync.Mutex
	conn     *Conn
	released bool
}

func (s *scope) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Scope returns a context carrying a fresh database scope and the function
// that tears it down. The release function may be called any number of
// times.
func (m *Manager) Scope(ctx context.Context) (context.Context, func() error) {
	s := &scope{}
	return context.WithValue(ctx, scopeKey{}, s), s.release
}

// Conn returns the scope's handle, creating it on first use.
func (m *Manager) Conn(ctx context.Context) (*Conn, error) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil, ErrNoScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrScopeReleased
	}
	if s.conn == nil {
		s.conn = newConn(m.engine, m.db)
	}
	return s.conn, nil
}

// Handler gives every request its own scope and releases it when the
// request finishes, including when next panics.
func (m *Manager) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, release := m.Scope(r.Context())
		defer func() {
			if err := release(); err != nil {
				slog.Warn("Failed to release database scope", "err", err)
			}
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
