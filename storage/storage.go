package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasklist-api/domain"
)

const tracerName = "tasklist-api/storage"

const (
	defaultMaxOpenConns = 8
	defaultTxRetries    = 3
)

// Options configures a Store opened with Open.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	// TxRetries bounds how often a transaction is restarted after a
	// transient engine conflict. Negative disables retries.
	TxRetries int
	Logger    *log.Logger
}

// Store is the task store backed by a relational database. It is the single
// source of truth for task order.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     *log.Logger
	retries int
	now     func() time.Time

	// mu serialises writers of this process. Cross-process writers are
	// serialised by the task_order_lock row.
	mu sync.Mutex
}

// Open connects to the configured database, checks connectivity and creates
// the schema when missing.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.prepareDSN(opts.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.driver, err)
	}
	retries := opts.TxRetries
	if retries == 0 {
		retries = defaultTxRetries
	}
	s, err := New(ctx, db, opts.Logger, retries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool. The driver name of db selects the
// SQL dialect.
func New(ctx context.Context, db *sqlx.DB, logger *log.Logger, retries int) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if retries < 0 {
		retries = 0
	}
	s := &Store{db: db, dialect: d, log: logger, retries: retries, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, ddl := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity with the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.StorageFailure("ping", err)
	}
	return nil
}

const taskColumns = `id, name, cost, due_date, sort_order, created_at`

type taskRow struct {
	ID        int64         `db:"id"`
	Name      string        `db:"name"`
	Cost      float64       `db:"cost"`
	DueDate   string        `db:"due_date"`
	SortOrder sql.NullInt64 `db:"sort_order"`
	CreatedAt time.Time     `db:"created_at"`
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:        r.ID,
		Name:      r.Name,
		Cost:      r.Cost,
		DueDate:   r.DueDate,
		Order:     int(r.SortOrder.Int64),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// Create appends a task at the end of the list.
func (s *Store) Create(ctx context.Context, in domain.TaskInput) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "create")
	defer func() { endSpan(span, err) }()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Task{}, err
	}
	created := s.now().UTC().Truncate(time.Microsecond)
	err = s.withTx(ctx, "create task", func(tx *sqlx.Tx) error {
		next, err := nextOrder(ctx, tx)
		if err != nil {
			return err
		}
		id, err := s.insert(ctx, tx, in, next, created)
		if err != nil {
			return err
		}
		task = domain.Task{ID: id, Name: in.Name, Cost: in.Cost, DueDate: in.DueDate, Order: next, CreatedAt: created}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	span.SetAttributes(attribute.Int64("task.id", task.ID), attribute.Int("task.order", task.Order))
	s.log.WithFields(log.Fields{"task": task.ID, "order": task.Order}).Debug("task created")
	return task, nil
}

// nextOrder reads the append position. It must run inside the locked
// transaction that performs the insert.
func nextOrder(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var next int
	if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(sort_order), 0) + 1 FROM tasks`); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) insert(ctx context.Context, tx *sqlx.Tx, in domain.TaskInput, order int, created time.Time) (int64, error) {
	q := `INSERT INTO tasks (name, cost, due_date, sort_order, created_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect.returningID {
		var id int64
		err := tx.QueryRowxContext(ctx, tx.Rebind(q+` RETURNING id`), in.Name, in.Cost, in.DueDate, order, created).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), in.Name, in.Cost, in.DueDate, order, created)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns every task ordered by position.
func (s *Store) List(ctx context.Context) (tasks []domain.Task, err error) {
	ctx, span := startSpan(ctx, "list")
	defer func() { endSpan(span, err) }()

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+taskColumns+` FROM tasks ORDER BY sort_order`); err != nil {
		return nil, translate("list tasks", err)
	}
	tasks = make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toDomain())
	}
	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id int64) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "get", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return getTask(ctx, s.db, id)
}

type getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

func getTask(ctx context.Context, q getter, id int64) (domain.Task, error) {
	var r taskRow
	err := q.GetContext(ctx, &r, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound(id)
	}
	if err != nil {
		return domain.Task{}, translate("get task", err)
	}
	return r.toDomain(), nil
}

// Update replaces name, cost and due date of a task. Its order is untouched.
func (s *Store) Update(ctx context.Context, id int64, in domain.TaskInput) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "update", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Task{}, err
	}
	err = s.withTx(ctx, "update task", func(tx *sqlx.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET name = ?, cost = ?, due_date = ? WHERE id = ?`),
			in.Name, in.Cost, in.DueDate, id); err != nil {
			return err
		}
		cur.Name, cur.Cost, cur.DueDate = in.Name, in.Cost, in.DueDate
		task = cur
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// SumCosts returns the total cost of all tasks, 0 when there are none.
func (s *Store) SumCosts(ctx context.Context) (total float64, err error) {
	ctx, span := startSpan(ctx, "sum_costs")
	defer func() { endSpan(span, err) }()

	if err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(cost), 0) FROM tasks`); err != nil {
		return 0, translate("sum costs", err)
	}
	return total, nil
}

// NameExists reports whether a task other than excludingID uses name.
// excludingID <= 0 checks every task.
func (s *Store) NameExists(ctx context.Context, name string, excludingID int64) (exists bool, err error) {
	ctx, span := startSpan(ctx, "name_exists")
	defer func() { endSpan(span, err) }()

	var n int
	if excludingID > 0 {
		err = s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE name = ? AND id <> ?`), name, excludingID)
	} else {
		err = s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE name = ?`), name)
	}
	if err != nil {
		return false, translate("check task name", err)
	}
	return n > 0, nil
}

// Count returns the number of tasks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks`); err != nil {
		return 0, translate("count tasks", err)
	}
	return n, nil
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "storage."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrStorageFailure) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
