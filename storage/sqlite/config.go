package sqlite

import (
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"time"

	"gorm.io/gorm/logger"
)

// Config configures a Store. Zero values select defaults.
type Config struct {
	// Path of the database file. Required; in-memory databases are not
	// supported because readers and the writer use separate connections.
	Path string

	// PageSize in bytes, applied when the file is created (0 = SQLite default).
	PageSize int
	// CacheSizeKiB is the per-connection page cache budget (0 = SQLite default).
	CacheSizeKiB int
	// BusyTimeout bounds how long a connection waits on a locked database.
	// Default 5s.
	BusyTimeout time.Duration
	// Synchronous is the PRAGMA synchronous mode. Default "NORMAL".
	Synchronous string
	// Truncate removes any existing database file before opening.
	Truncate bool

	// MaxReadConns caps the read connection pool. Default min(NumCPU, 8).
	MaxReadConns int
	// ScanPageSize is how many index entries a cursor fetches per round trip.
	// Default 256.
	ScanPageSize int

	// Logger receives gorm's SQL log. Default slog.Default().
	Logger *slog.Logger
	// LogLevel filters gorm's SQL log. Default logger.Warn.
	LogLevel logger.LogLevel
	// SlowThreshold flags slow statements in the SQL log. Default 200ms.
	SlowThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Synchronous == "" {
		c.Synchronous = "NORMAL"
	}
	if c.MaxReadConns <= 0 {
		c.MaxReadConns = min(runtime.NumCPU(), 8)
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.LogLevel == 0 {
		c.LogLevel = logger.Warn
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	if c.Path == "" || c.Path == ":memory:" || strings.HasPrefix(c.Path, "file::memory:") {
		return fmt.Errorf("sqlite: a database file path is required")
	}
	switch strings.ToUpper(c.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("sqlite: unknown synchronous mode %q", c.Synchronous)
	}
	return nil
}

// dsn builds the driver connection string. page_size must precede
// journal_mode so it applies before the WAL header is written.
func (c Config) dsn(readOnly bool) string {
	q := url.Values{}
	if c.PageSize > 0 {
		q.Add("_pragma", fmt.Sprintf("page_size(%d)", c.PageSize))
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", strings.ToUpper(c.Synchronous)))
	if c.CacheSizeKiB > 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", c.CacheSizeKiB))
	}
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	}
	return c.Path + "?" + q.Encode()
}

func newGormLogger(c Config) logger.Interface {
	return logger.New(
		slog.NewLogLogger(c.Logger.Handler(), slog.LevelDebug),
		logger.Config{
			SlowThreshold:             c.SlowThreshold,
			LogLevel:                  c.LogLevel,
			IgnoreRecordNotFoundError: true,
		},
	)
}
