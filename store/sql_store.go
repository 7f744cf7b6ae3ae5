package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/deepresearch/orchestrator/internal/database"
	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/research"
)

// sessionRow is the gorm model backing the sessions table. ResearchState
// and LastError are stored as opaque JSON blobs, matching the store
// contract's requirement that it never interpret ResearchState's fields.
type sessionRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Query       string `gorm:"type:text"`
	Language    string `gorm:"size:8"`
	Depth       string `gorm:"size:16"`
	Concurrency int
	CreatedAt   time.Time `gorm:"index"`

	Stage     string `gorm:"size:16;index"`
	Progress  int
	LastError []byte `gorm:"type:text"`
	UpdatedAt time.Time
	Version   int

	State []byte `gorm:"type:text"`
}

func (sessionRow) TableName() string { return "sessions" }

// SQLStore is a gorm-backed Store supporting postgres, mysql, and sqlite
// via dialect selection on construction.
type SQLStore struct {
	db   *gorm.DB
	pool *database.PoolManager
}

// recordQuery records the duration of one SQLStore operation against the
// pool's metrics.Collector, if one is attached. Safe to call on a SQLStore
// whose pool has no collector.
func (s *SQLStore) recordQuery(operation string, start time.Time) {
	s.pool.RecordQuery(operation, time.Since(start))
}

// SQLDialect selects the gorm driver NewSQLStore opens.
type SQLDialect string

const (
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
	DialectSQLite   SQLDialect = "sqlite"
)

// NewSQLStore opens a connection using dialect against dsn, auto-migrates
// the sessions table, and tunes the underlying connection pool with
// database.DefaultPoolConfig. collector may be nil, in which case no
// connection-pool or query metrics are recorded.
func NewSQLStore(dialect SQLDialect, dsn string, collector *metrics.Collector) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	case DialectMySQL:
		dialector = mysql.Open(dsn)
	case DialectSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	return newSQLStoreFromDB(db, database.DefaultPoolConfig(), string(dialect), collector)
}

// newSQLStoreFromDB wraps an already-opened gorm.DB, auto-migrating the
// sessions table and handing it to a database.PoolManager for connection
// pool tuning and the periodic health-check loop. Tests use this directly
// with an in-memory pure-Go sqlite driver to avoid depending on cgo, and
// pass a PoolConfig with a zero HealthCheckInterval to skip the
// health-check goroutine.
func newSQLStoreFromDB(db *gorm.DB, poolCfg database.PoolConfig, dialectName string, collector *metrics.Collector) (*SQLStore, error) {
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	pool, err := database.NewPoolManager(db, poolCfg, zap.NewNop(), dialectName, collector)
	if err != nil {
		return nil, fmt.Errorf("init connection pool: %w", err)
	}
	return &SQLStore{db: db, pool: pool}, nil
}

func (s *SQLStore) Create(ctx context.Context, spec research.Spec) (*research.Session, error) {
	defer s.recordQuery("create", time.Now())

	if spec.Query == "" {
		return nil, research.NewError(research.ErrInvalidInput, "query must not be empty")
	}

	now := time.Now()
	session := &research.Session{
		ID:          newSessionID(),
		Query:       spec.Query,
		Language:    spec.Language,
		Depth:       spec.Depth,
		Concurrency: spec.MaxResearchers,
		CreatedAt:   now,
		Stage:       research.StageIntake,
		UpdatedAt:   now,
		Version:     1,
	}

	row, err := toRow(session)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create session row: %w", err)
	}
	return session, nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*research.Session, error) {
	defer s.recordQuery("load", time.Now())

	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", id))
		}
		return nil, fmt.Errorf("load session row: %w", err)
	}
	return fromRow(row)
}

// Update serialises concurrent writers with an optimistic version check:
// the UPDATE predicate includes the version it read, so a concurrent writer
// that commits first causes this writer's affected-row count to be zero,
// and the caller retries against the freshly reloaded row.
func (s *SQLStore) Update(ctx context.Context, id string, mutate Mutator) (*research.Session, error) {
	defer s.recordQuery("update", time.Now())

	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		readVersion := current.Version
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.Version = readVersion + 1
		current.UpdatedAt = time.Now()

		row, err := toRow(current)
		if err != nil {
			return nil, err
		}

		result := s.db.WithContext(ctx).Model(&sessionRow{}).
			Where("id = ?", id).
			Where("version = ?", readVersion).
			Updates(map[string]any{
				"stage":      row.Stage,
				"progress":   row.Progress,
				"last_error": row.LastError,
				"updated_at": row.UpdatedAt,
				"version":    row.Version,
				"state":      row.State,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("update session row: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return current, nil
		}
		// Lost the race: another writer updated first. Reload and retry.
	}
	return nil, research.NewError(research.ErrInternal, fmt.Sprintf("update on session %q did not converge after %d attempts", id, maxAttempts))
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*research.Session, error) {
	defer s.recordQuery("list", time.Now())

	q := s.db.WithContext(ctx).Model(&sessionRow{}).Order("created_at asc")
	if filter.Stage != "" {
		q = q.Where("stage = ?", string(filter.Stage))
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list session rows: %w", err)
	}

	out := make([]*research.Session, 0, len(rows))
	for _, row := range rows {
		session, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	defer s.recordQuery("delete", time.Now())

	result := s.db.WithContext(ctx).Delete(&sessionRow{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete session row: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", id))
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func toRow(session *research.Session) (*sessionRow, error) {
	var lastErrJSON []byte
	if session.LastError != nil {
		data, err := json.Marshal(session.LastError)
		if err != nil {
			return nil, fmt.Errorf("marshal last_error: %w", err)
		}
		lastErrJSON = data
	}
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return &sessionRow{
		ID:          session.ID,
		Query:       session.Query,
		Language:    string(session.Language),
		Depth:       string(session.Depth),
		Concurrency: session.Concurrency,
		CreatedAt:   session.CreatedAt,
		Stage:       string(session.Stage),
		Progress:    session.Progress,
		LastError:   lastErrJSON,
		UpdatedAt:   session.UpdatedAt,
		Version:     session.Version,
		State:       stateJSON,
	}, nil
}

func fromRow(row sessionRow) (*research.Session, error) {
	var lastErr *research.Error
	if len(row.LastError) > 0 {
		lastErr = &research.Error{}
		if err := json.Unmarshal(row.LastError, lastErr); err != nil {
			return nil, fmt.Errorf("unmarshal last_error: %w", err)
		}
	}
	var state research.ResearchState
	if len(row.State) > 0 {
		if err := json.Unmarshal(row.State, &state); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return &research.Session{
		ID:          row.ID,
		Query:       row.Query,
		Language:    research.Language(row.Language),
		Depth:       research.Depth(row.Depth),
		Concurrency: row.Concurrency,
		CreatedAt:   row.CreatedAt,
		Stage:       research.Stage(row.Stage),
		Progress:    row.Progress,
		LastError:   lastErr,
		UpdatedAt:   row.UpdatedAt,
		Version:     row.Version,
		State:       state,
	}, nil
}

var _ Store = (*SQLStore)(nil)
