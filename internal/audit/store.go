package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type EventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID  string    `gorm:"index"`
	SessionID  string    `gorm:"index"`
	Action     string    `gorm:"not null"`
	Server     string
	Tool       string `gorm:"not null"`
	ToolUseID  string
	Parameters string `gorm:"type:text;not null;default:'{}'"`
	Result     string `gorm:"not null;index"`
	Reason     string `gorm:"type:text"`
	DurationMS int64
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

func (EventModel) TableName() string { return "audit_events" }

// StoreConfig selects and configures the SQL backend.
type StoreConfig struct {
	Driver string // "sqlite" or "postgres".
	DSN    string // File path for sqlite, connection string for postgres.
}

// Store is a SQL-backed audit Recorder.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenStore connects to the configured database and migrates the audit table.
func OpenStore(cfg StoreConfig, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("audit store dsn is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gcfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.DSN)
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	case "postgres":
		if _, perr := pgx.ParseConfig(cfg.DSN); perr != nil {
			return nil, fmt.Errorf("invalid postgres dsn: %w", perr)
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
	default:
		return nil, fmt.Errorf("unsupported audit store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s audit store: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}

	slogger.Info("audit store opened", slog.String("driver", cfg.Driver))
	return &Store{db: db, logger: slogger}, nil
}

// Record inserts a single audit event. This is the only write method.
func (s *Store) Record(ctx context.Context, event Event) error {
	stamp(&event)
	model := toModel(event)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events newest first. An empty sessionID matches every
// session. Limit defaults to 100.
func (s *Store) Query(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var models []EventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	events := make([]Event, len(models))
	for i := range models {
		events[i] = toEvent(&models[i])
	}
	return events, nil
}

// Ping checks the database connection; it backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(e Event) EventModel {
	params, _ := json.Marshal(e.Parameters)
	if params == nil || string(params) == "null" {
		params = []byte("{}")
	}
	return EventModel{
		ID:         uuid.New(),
		RequestID:  e.RequestID,
		SessionID:  e.SessionID,
		Action:     e.Action,
		Server:     e.Server,
		Tool:       e.Tool,
		ToolUseID:  e.ToolUseID,
		Parameters: string(params),
		Result:     e.Result,
		Reason:     e.Reason,
		DurationMS: e.DurationMS,
		Error:      e.Error,
		CreatedAt:  e.Timestamp,
	}
}

func toEvent(m *EventModel) Event {
	var params map[string]any
	if m.Parameters != "" {
		_ = json.Unmarshal([]byte(m.Parameters), &params)
	}
	return Event{
		Timestamp:  m.CreatedAt,
		RequestID:  m.RequestID,
		SessionID:  m.SessionID,
		Action:     m.Action,
		Server:     m.Server,
		Tool:       m.Tool,
		ToolUseID:  m.ToolUseID,
		Parameters: params,
		Result:     m.Result,
		Reason:     m.Reason,
		DurationMS: m.DurationMS,
		Error:      m.Error,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
