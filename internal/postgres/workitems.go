package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fyrsmithlabs/conductor/internal/payload"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// WorkItemStore is a workitem.Store backed by the work_items table.
type WorkItemStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ workitem.Store = (*WorkItemStore)(nil)

// NewWorkItemStore creates a store on pool. Call Migrate first.
func NewWorkItemStore(pool *pgxpool.Pool) *WorkItemStore {
	return &WorkItemStore{pool: pool, now: time.Now}
}

func (s *WorkItemStore) Create(ctx context.Context, in workitem.CreateInput) (*workitem.WorkItem, error) {
	item := workitem.NewItem(uuid.New().String(), in, s.now().UTC())
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (id, type, role_id, status, tags, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.Type, item.RoleID, string(item.Status), tagsOf(item), data, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert work item: %w", err)
	}
	return item, nil
}

func (s *WorkItemStore) Get(ctx context.Context, id string) (*workitem.WorkItem, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM work_items WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", workitem.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load work item: %w", err)
	}
	return decodeItem(data)
}

func (s *WorkItemStore) UpdateStatus(ctx context.Context, id string, status workitem.Status, errText string) (*workitem.WorkItem, error) {
	return s.mutate(ctx, id, func(item *workitem.WorkItem, now time.Time) error {
		return workitem.ApplyStatus(item, status, errText, now)
	})
}

func (s *WorkItemStore) AppendEvent(ctx context.Context, id string, event workitem.Event) error {
	_, err := s.mutate(ctx, id, func(item *workitem.WorkItem, now time.Time) error {
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		event.Data = payload.Clone(event.Data)
		item.Events = append(item.Events, event)
		item.UpdatedAt = event.Timestamp
		return nil
	})
	return err
}

func (s *WorkItemStore) SetOutput(ctx context.Context, id string, output map[string]any) error {
	_, err := s.mutate(ctx, id, func(item *workitem.WorkItem, now time.Time) error {
		item.Output = payload.Clone(output)
		item.UpdatedAt = now
		item.Events = append(item.Events, workitem.Event{Type: workitem.EventOutputSet, Timestamp: now})
		return nil
	})
	return err
}

func (s *WorkItemStore) Cancel(ctx context.Context, id string, reason string) (*workitem.WorkItem, error) {
	return s.mutate(ctx, id, func(item *workitem.WorkItem, now time.Time) error {
		return workitem.CancelItem(item, reason, now)
	})
}

func (s *WorkItemStore) List(ctx context.Context, filter workitem.Filter) (*workitem.Page, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.RoleID != "" {
		where = append(where, "role_id = "+arg(filter.RoleID))
	}
	if filter.Type != "" {
		where = append(where, "type = "+arg(filter.Type))
	}
	if filter.Tag != "" {
		where = append(where, arg(filter.Tag)+" = ANY(tags)")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM work_items"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = workitem.DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	query := "SELECT data FROM work_items" + clause +
		" ORDER BY created_at, id LIMIT " + arg(limit) + " OFFSET " + arg(offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	items := make([]*workitem.WorkItem, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		item, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	return &workitem.Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *WorkItemStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", workitem.ErrNotFound, id)
	}
	return nil
}

// mutate locks the row, applies fn and writes the result back.
func (s *WorkItemStore) mutate(ctx context.Context, id string, fn func(item *workitem.WorkItem, now time.Time) error) (*workitem.WorkItem, error) {
	var out *workitem.WorkItem
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM work_items WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", workitem.ErrNotFound, id)
			}
			return fmt.Errorf("failed to load work item: %w", err)
		}
		item, err := decodeItem(data)
		if err != nil {
			return err
		}
		if err := fn(item, s.now().UTC()); err != nil {
			return err
		}
		if data, err = json.Marshal(item); err != nil {
			return fmt.Errorf("failed to encode work item: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE work_items SET role_id = $2, status = $3, tags = $4, data = $5, updated_at = $6
			WHERE id = $1`,
			item.ID, item.RoleID, string(item.Status), tagsOf(item), data, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update work item: %w", err)
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeItem(data []byte) (*workitem.WorkItem, error) {
	var item workitem.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode work item: %w", err)
	}
	return &item, nil
}

func tagsOf(item *workitem.WorkItem) []string {
	if item.Tags == nil {
		return []string{}
	}
	return item.Tags
}
