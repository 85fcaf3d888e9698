package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// CurrentSchemaVersion is the latest schema version. Bump it when adding
// migrations.
const CurrentSchemaVersion = 2

// DBFileName is the database file created inside the storage directory.
const DBFileName = "planner.db"

var tracer = otel.Tracer("planner.tasks")

// SQLiteStore is a Store backed by SQLite.
type SQLiteStore struct {
	db      *sql.DB
	catalog *business.Catalog
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an SQLiteStore.
type Option func(*SQLiteStore)

// WithLocation sets the zone timestamps are returned in.
func WithLocation(loc *time.Location) Option {
	return func(s *SQLiteStore) { s.loc = loc }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithMaxOpenConns limits the connection pool. Zero leaves the default.
func WithMaxOpenConns(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.db.SetMaxOpenConns(n)
		}
	}
}

// Open initializes the database at dir/planner.db. Tasks whose business id is
// not in catalog are refused.
func Open(dir string, catalog *business.Catalog, opts ...Option) (*SQLiteStore, error) {
	if catalog == nil {
		return nil, fmt.Errorf("business catalog is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	_ = os.Chmod(dir, 0o700)

	dbPath := filepath.Join(dir, DBFileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0o600)

	s := &SQLiteStore{
		db:      db,
		catalog: catalog,
		loc:     time.UTC,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS tasks (
		  id                INTEGER PRIMARY KEY AUTOINCREMENT,
		  business_id       INTEGER NOT NULL,
		  title             TEXT NOT NULL,
		  assignee          TEXT,
		  priority          INTEGER NOT NULL DEFAULT 2 CHECK (priority BETWEEN 1 AND 4),
		  project           TEXT,
		  deadline          INTEGER,
		  estimated_minutes INTEGER,
		  actual_minutes    INTEGER,
		  status            TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'done', 'archived')),
		  embedding         BLOB,
		  created_at        INTEGER NOT NULL,
		  updated_at        INTEGER NOT NULL,
		  completed_at      INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_business_status
		ON tasks(business_id, status);

		CREATE TRIGGER IF NOT EXISTS tasks_business_id_immutable
		BEFORE UPDATE OF business_id ON tasks
		WHEN NEW.business_id <> OLD.business_id
		BEGIN
		  SELECT RAISE(ABORT, 'business_id is immutable');
		END;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	if version < 2 {
		schema := `
		ALTER TABLE tasks ADD COLUMN estimation_accuracy REAL;
		ALTER TABLE tasks ADD COLUMN request_id TEXT;
		CREATE INDEX IF NOT EXISTS idx_tasks_request_id ON tasks(request_id)
		WHERE request_id IS NOT NULL;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := setUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

func verifyWALMode(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", mode)
	}
	return nil
}

func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return getUserVersion(s.db)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

const taskColumns = `id, business_id, title, assignee, priority, project, deadline,
	estimated_minutes, actual_minutes, estimation_accuracy, status, embedding,
	request_id, created_at, updated_at, completed_at`

// Create inserts t as an open task, setting t.ID and timestamps.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) (int64, error) {
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()

	if err := t.Validate(); err != nil {
		return 0, err
	}
	if !s.catalog.Has(t.BusinessID) {
		return 0, fmt.Errorf("%w: %w %d", ErrInvalidTask, business.ErrUnknownContext, t.BusinessID)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			business_id, title, assignee, priority, project, deadline,
			estimated_minutes, status, embedding, request_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?)`,
		int(t.BusinessID), t.Title, nullString(t.Assignee), t.Priority, nullString(t.Project),
		nullTime(t.Deadline), nullInt(t.EstimatedMinutes), encodeEmbedding(t.Embedding),
		nullIfEmpty(t.RequestID), now.Unix(), now.Unix(),
	)
	if err != nil {
		s.fail(span, "create", err)
		return 0, fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.fail(span, "create", err)
		return 0, fmt.Errorf("%w: last insert id: %v", ErrPersistence, err)
	}

	t.ID = id
	t.Status = StatusOpen
	t.CreatedAt = now.In(s.loc).Truncate(time.Second)
	t.UpdatedAt = t.CreatedAt
	storeOps.WithLabelValues("create", "ok").Inc()
	span.SetAttributes(attribute.Int64("task.id", id), attribute.Int("business.id", int(t.BusinessID)))

	s.logger.Debug("task created",
		zap.Int64("task_id", id),
		zap.Int("business_id", int(t.BusinessID)),
	)
	return id, nil
}

// Get returns the task with id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrPersistence, err)
	}
	return t, nil
}

// Update changes the editable fields of an open task.
func (s *SQLiteStore) Update(ctx context.Context, id int64, f UpdateFields) (*Task, error) {
	var (
		sets []string
		args []any
	)
	if f.Title != nil {
		if *f.Title == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
		}
		sets, args = append(sets, "title = ?"), append(args, *f.Title)
	}
	if f.Assignee != nil {
		sets, args = append(sets, "assignee = ?"), append(args, nullString(f.Assignee))
	}
	if f.Priority != nil {
		if *f.Priority < 1 || *f.Priority > 4 {
			return nil, fmt.Errorf("%w: priority %d out of range 1-4", ErrInvalidTask, *f.Priority)
		}
		sets, args = append(sets, "priority = ?"), append(args, *f.Priority)
	}
	if f.Project != nil {
		sets, args = append(sets, "project = ?"), append(args, nullString(f.Project))
	}
	if f.Deadline != nil {
		sets, args = append(sets, "deadline = ?"), append(args, f.Deadline.Unix())
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().Unix(), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = 'open'`, args...)
	if err != nil {
		storeOps.WithLabelValues("update", "error").Inc()
		return nil, fmt.Errorf("%w: update: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot edit %s task", ErrInvalidTransition, current.Status)
	}
	storeOps.WithLabelValues("update", "ok").Inc()
	return s.Get(ctx, id)
}

// AttachEmbedding stores the document embedding of task id.
func (s *SQLiteStore) AttachEmbedding(ctx context.Context, id int64, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrInvalidTask)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET embedding = ?, updated_at = ? WHERE id = ?`,
		encodeEmbedding(embedding), s.now().Unix(), id)
	if err != nil {
		storeOps.WithLabelValues("attach_embedding", "error").Inc()
		return fmt.Errorf("%w: attach embedding: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	storeOps.WithLabelValues("attach_embedding", "ok").Inc()
	return nil
}

// Complete moves an open task to done. The status check and the update are a
// single statement, so concurrent completions of one task cannot both succeed.
func (s *SQLiteStore) Complete(ctx context.Context, id int64, actualMinutes int) (*Task, error) {
	ctx, span := tracer.Start(ctx, "tasks.Complete")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", id))

	if !ValidDuration(actualMinutes) {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, actualMinutes)
	}

	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'done',
			actual_minutes = ?,
			completed_at = ?,
			updated_at = ?,
			estimation_accuracy = CASE
				WHEN estimated_minutes IS NULL THEN NULL
				ELSE MAX(0.0, MIN(1.0, 1.0 - ABS(estimated_minutes - ?) * 1.0 / ?))
			END
		WHERE id = ? AND status = 'open'`,
		actualMinutes, now, now, actualMinutes, actualMinutes, id)
	if err != nil {
		s.fail(span, "complete", err)
		return nil, fmt.Errorf("%w: complete: %v", ErrPersistence, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		storeOps.WithLabelValues("complete", "rejected").Inc()
		return nil, CheckTransition(current.Status, StatusDone)
	}

	storeOps.WithLabelValues("complete", "ok").Inc()
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.Int64("task_id", id),
		zap.Int("business_id", int(t.BusinessID)),
		zap.Int("actual_minutes", actualMinutes),
	}
	if t.EstimationAccuracy != nil {
		fields = append(fields, zap.Float64("accuracy", *t.EstimationAccuracy))
	}
	s.logger.Info("task completed", fields...)
	return t, nil
}

// Archive moves a done task to archived.
func (s *SQLiteStore) Archive(ctx context.Context, id int64) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'archived', updated_at = ? WHERE id = ? AND status = 'done'`,
		s.now().Unix(), id)
	if err != nil {
		storeOps.WithLabelValues("archive", "error").Inc()
		return nil, fmt.Errorf("%w: archive: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		storeOps.WithLabelValues("archive", "rejected").Inc()
		return nil, CheckTransition(current.Status, StatusArchived)
	}
	storeOps.WithLabelValues("archive", "ok").Inc()
	return s.Get(ctx, id)
}

// RecentTitles returns the titles of the most recently created tasks.
func (s *SQLiteStore) RecentTitles(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT title FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent titles: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrPersistence, err)
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

// FindSimilar scans the done tasks of businessID with an actual duration and
// an embedding, and returns up to limit matches with cosine similarity at or
// above floor, most similar first.
func (s *SQLiteStore) FindSimilar(ctx context.Context, businessID business.ID, embedding []float32, floor float64, limit int) ([]SimilarMatch, error) {
	ctx, span := tracer.Start(ctx, "tasks.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.Int("business.id", int(businessID)), attribute.Int("limit", limit))

	if !businessID.Valid() {
		return nil, business.EnsureSame(businessID, businessID, "tasks.FindSimilar")
	}
	if limit <= 0 || len(embedding) == 0 {
		return []SimilarMatch{}, nil
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, title, actual_minutes, embedding
		FROM tasks
		WHERE business_id = ?
		  AND status = 'done'
		  AND actual_minutes IS NOT NULL
		  AND embedding IS NOT NULL`, int(businessID))
	if err != nil {
		s.fail(span, "find_similar", err)
		return nil, fmt.Errorf("%w: find similar: %v", ErrPersistence, err)
	}
	defer rows.Close()

	matches := []SimilarMatch{}
	scanned := 0
	for rows.Next() {
		var (
			m    SimilarMatch
			bid  int
			blob []byte
		)
		if err := rows.Scan(&m.TaskID, &bid, &m.Title, &m.ActualMinutes, &blob); err != nil {
			s.fail(span, "find_similar", err)
			return nil, fmt.Errorf("%w: scan: %v", ErrPersistence, err)
		}
		scanned++
		m.BusinessID = business.ID(bid)

		stored, err := decodeEmbedding(blob)
		if err != nil || len(stored) != len(embedding) {
			s.logger.Warn("skipping task with unusable embedding",
				zap.Int64("task_id", m.TaskID),
				zap.Int("dimension", len(stored)),
				zap.Int("expected", len(embedding)),
			)
			continue
		}
		m.Similarity = Cosine(embedding, stored)
		if m.Similarity >= floor {
			matches = append(matches, m)
		}
	}
	if err := rows.Err(); err != nil {
		s.fail(span, "find_similar", err)
		return nil, fmt.Errorf("%w: find similar: %v", ErrPersistence, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].TaskID > matches[j].TaskID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	storeOps.WithLabelValues("find_similar", "ok").Inc()
	similarScan.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("scanned", scanned), attribute.Int("matches", len(matches)))
	return matches, nil
}

func (s *SQLiteStore) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	storeOps.WithLabelValues(op, "error").Inc()
	s.logger.Error("task store operation failed", zap.String("op", op), zap.Error(err))
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTask(row scanner) (*Task, error) {
	var (
		t                            Task
		bid                          int
		assignee, project, requestID sql.NullString
		deadline, completedAt        sql.NullInt64
		estimated, actual            sql.NullInt64
		accuracy                     sql.NullFloat64
		status                       string
		blob                         []byte
		createdAt, updatedAt         int64
	)
	if err := row.Scan(&t.ID, &bid, &t.Title, &assignee, &t.Priority, &project, &deadline,
		&estimated, &actual, &accuracy, &status, &blob,
		&requestID, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	t.BusinessID = business.ID(bid)
	t.Status = Status(status)
	t.Assignee = stringPtr(assignee)
	t.Project = stringPtr(project)
	t.RequestID = requestID.String
	t.Deadline = s.timePtr(deadline)
	t.CompletedAt = s.timePtr(completedAt)
	t.EstimatedMinutes = intPtr(estimated)
	t.ActualMinutes = intPtr(actual)
	if accuracy.Valid {
		a := accuracy.Float64
		t.EstimationAccuracy = &a
	}
	t.CreatedAt = time.Unix(createdAt, 0).In(s.loc)
	t.UpdatedAt = time.Unix(updatedAt, 0).In(s.loc)

	if len(blob) > 0 {
		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		t.Embedding = emb
	}
	return &t, nil
}

func (s *SQLiteStore) timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).In(s.loc)
	return &t
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

var _ Store = (*SQLiteStore)(nil)
