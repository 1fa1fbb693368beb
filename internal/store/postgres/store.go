// Package postgres implements task.Repository on PostgreSQL using pgx.
//
// Task updates are compare-and-swap on the "version" column. Ledger rows are
// keyed by (task_id, iteration, phase) and cascade with their task.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Config holds connection settings.
type Config struct {
	URL      string
	MaxConns int32
}

// Store is a pgx-backed task repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ task.Repository = (*Store)(nil)

// Open connects a pool and returns a Store over it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.ConnectConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so sibling stores can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const taskColumns = `"id", "name", "owner_id", "mode", "status", "model_spec",
	"original_dataset_ref", "current_dataset_ref", "current_iteration",
	"max_iterations", "performance_threshold", "latest_model_ref",
	"latest_evaluation_ref", "latest_score", "latest_suggestions",
	"error_message", "control_request", "version",
	"created_at", "started_at", "updated_at", "completed_at"`

const executionColumns = `"task_id", "iteration", "phase", "status", "input_ref", "output_ref",
	"score", "suggestions", "started_at", "completed_at", "duration_seconds", "error_message"`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t           task.Task
		spec        []byte
		suggestions []byte
	)
	if err := row.Scan(
		&t.ID, &t.Name, &t.OwnerID, &t.Mode, &t.Status, &spec,
		&t.OriginalDatasetRef, &t.CurrentDatasetRef, &t.CurrentIteration,
		&t.MaxIterations, &t.PerformanceThreshold, &t.LatestModelRef,
		&t.LatestEvaluationRef, &t.LatestScore, &suggestions,
		&t.ErrorMessage, &t.ControlRequest, &t.Version,
		&t.CreatedAt, &t.StartedAt, &t.UpdatedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &t.ModelSpec); err != nil {
		return nil, fmt.Errorf("decode model_spec of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(suggestions, &t.LatestSuggestions); err != nil {
		return nil, fmt.Errorf("decode latest_suggestions of %s: %w", t.ID, err)
	}
	return &t, nil
}

func scanExecution(row scanner) (*task.PhaseExecution, error) {
	var (
		e           task.PhaseExecution
		suggestions []byte
	)
	if err := row.Scan(
		&e.TaskID, &e.Iteration, &e.Phase, &e.Status, &e.InputRef, &e.OutputRef,
		&e.Score, &suggestions, &e.StartedAt, &e.CompletedAt, &e.DurationSeconds, &e.ErrorMessage,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(suggestions, &e.Suggestions); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	return &e, nil
}

func jsonText(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	spec, err := jsonText(t.ModelSpec)
	if err != nil {
		return err
	}
	suggestions, err := jsonText(stringsOrEmpty(t.LatestSuggestions))
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO "tasks" (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19, $20, $21)`,
		t.ID, t.Name, t.OwnerID, t.Mode, t.Status, spec,
		t.OriginalDatasetRef, t.CurrentDatasetRef, t.CurrentIteration,
		t.MaxIterations, t.PerformanceThreshold, t.LatestModelRef,
		t.LatestEvaluationRef, t.LatestScore, suggestions,
		t.ErrorMessage, t.ControlRequest,
		t.CreatedAt, t.StartedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
			return task.ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	t.Version = 1
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM "tasks" WHERE "id" = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func (s *Store) Update(ctx context.Context, t *task.Task) error {
	spec, err := jsonText(t.ModelSpec)
	if err != nil {
		return err
	}
	suggestions, err := jsonText(stringsOrEmpty(t.LatestSuggestions))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE "tasks" SET
		"name" = $3, "owner_id" = $4, "mode" = $5, "status" = $6, "model_spec" = $7,
		"original_dataset_ref" = $8, "current_dataset_ref" = $9, "current_iteration" = $10,
		"max_iterations" = $11, "performance_threshold" = $12, "latest_model_ref" = $13,
		"latest_evaluation_ref" = $14, "latest_score" = $15, "latest_suggestions" = $16,
		"error_message" = $17, "control_request" = $18,
		"started_at" = $19, "updated_at" = $20, "completed_at" = $21,
		"version" = "version" + 1
		WHERE "id" = $1 AND "version" = $2`,
		t.ID, t.Version, t.Name, t.OwnerID, t.Mode, t.Status, spec,
		t.OriginalDatasetRef, t.CurrentDatasetRef, t.CurrentIteration,
		t.MaxIterations, t.PerformanceThreshold, t.LatestModelRef,
		t.LatestEvaluationRef, t.LatestScore, suggestions,
		t.ErrorMessage, t.ControlRequest,
		t.StartedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "tasks" WHERE "id" = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return task.ErrTaskNotFound
		}
		return task.ErrConcurrentModification
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM "tasks" WHERE "id" = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// listQuery builds the SELECT for a filter. Kept separate so it can be
// tested without a database.
func listQuery(f task.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(`"%s" = $%d`, col, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id", f.OwnerID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Mode != "" {
		add("mode", string(f.Mode))
	}

	q := `SELECT ` + taskColumns + ` FROM "tasks"`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY "created_at" DESC, "id"`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	return q, args
}

func (s *Store) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	q, args := listQuery(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT "status", count(*) FROM "tasks" GROUP BY "status"`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var (
			status task.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) AppendExecution(ctx context.Context, e *task.PhaseExecution) error {
	suggestions, err := jsonText(stringsOrEmpty(e.Suggestions))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO "phase_executions" (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.TaskID, e.Iteration, e.Phase, e.Status, e.InputRef, e.OutputRef,
		e.Score, suggestions, e.StartedAt, e.CompletedAt, e.DurationSeconds, e.ErrorMessage,
	)
	if err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			switch pgerr.Code {
			case pgerrcode.UniqueViolation:
				return task.ErrDuplicateExecution
			case pgerrcode.ForeignKeyViolation:
				return task.ErrTaskNotFound
			}
		}
		return fmt.Errorf("insert phase execution: %w", err)
	}
	return nil
}

func (s *Store) CloseExecution(ctx context.Context, e *task.PhaseExecution) error {
	suggestions, err := jsonText(stringsOrEmpty(e.Suggestions))
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `UPDATE "phase_executions" SET
		"status" = $4, "output_ref" = $5, "score" = $6, "suggestions" = $7,
		"completed_at" = $8, "duration_seconds" = $9, "error_message" = $10
		WHERE "task_id" = $1 AND "iteration" = $2 AND "phase" = $3 AND "status" = 'running'`,
		e.TaskID, e.Iteration, e.Phase,
		e.Status, e.OutputRef, e.Score, suggestions,
		e.CompletedAt, e.DurationSeconds, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("close phase execution: %w", err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM "phase_executions" WHERE "task_id" = $1 AND "iteration" = $2 AND "phase" = $3)`,
		e.TaskID, e.Iteration, e.Phase,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s iteration %d of task %s", task.ErrExecutionNotFound, e.Phase, e.Iteration, e.TaskID)
	}
	return task.ErrExecutionClosed
}

func (s *Store) queryExecutions(ctx context.Context, q string, args ...interface{}) ([]*task.PhaseExecution, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select phase executions: %w", err)
	}
	defer rows.Close()

	var out []*task.PhaseExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// phaseOrder sorts phases in execution order rather than alphabetically.
const phaseOrder = `CASE "phase" WHEN 'optimization' THEN 0 WHEN 'training' THEN 1 ELSE 2 END`

func (s *Store) Executions(ctx context.Context, taskID string) ([]*task.PhaseExecution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM "phase_executions"
		WHERE "task_id" = $1 ORDER BY "iteration" DESC, `+phaseOrder, taskID)
}

func (s *Store) IterationExecutions(ctx context.Context, taskID string, iteration int) ([]*task.PhaseExecution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM "phase_executions"
		WHERE "task_id" = $1 AND "iteration" = $2 ORDER BY `+phaseOrder, taskID, iteration)
}

func (s *Store) OpenExecutions(ctx context.Context) ([]*task.PhaseExecution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM "phase_executions"
		WHERE "status" = 'running' ORDER BY "task_id", "iteration", `+phaseOrder)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
