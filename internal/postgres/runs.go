package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fyrsmithlabs/conductor/internal/pipeline"
)

// RunStore is a pipeline.RunStore backed by the pipeline_runs table.
type RunStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ pipeline.RunStore = (*RunStore)(nil)

// NewRunStore creates a run store on pool. Call Migrate first.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool, now: time.Now}
}

func (s *RunStore) Create(ctx context.Context, run *pipeline.RunState) error {
	c := run.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, status, step_count, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.PipelineID, string(c.Status), len(c.Steps), data, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists", c.ID)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (*pipeline.RunState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM pipeline_runs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return decodeRun(data)
}

func (s *RunStore) Update(ctx context.Context, run *pipeline.RunState) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			steps     int
			createdAt time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT step_count, created_at FROM pipeline_runs WHERE id = $1 FOR UPDATE`, run.ID).
			Scan(&steps, &createdAt)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, run.ID)
			}
			return fmt.Errorf("failed to load run: %w", err)
		}
		if steps != len(run.Steps) {
			return fmt.Errorf("%w: run %s has %d, update has %d", pipeline.ErrStepStatesLength, run.ID, steps, len(run.Steps))
		}

		c := run.Clone()
		c.CreatedAt = createdAt
		c.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE pipeline_runs SET status = $2, data = $3, updated_at = $4 WHERE id = $1`,
			c.ID, string(c.Status), data, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		return nil
	})
}

func (s *RunStore) List(ctx context.Context, filter pipeline.RunFilter) ([]*pipeline.RunState, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = "+arg(filter.PipelineID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	query := "SELECT data FROM pipeline_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.RunState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

func decodeRun(data []byte) (*pipeline.RunState, error) {
	var run pipeline.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}
