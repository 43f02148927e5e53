package repository

import (
	"context"
	"strings"

	"github.com/iliyamo/local-heroes/internal/model"
)

var taskOrder = map[string]string{
	model.SortNewest:    "t.created_at DESC, t.id DESC",
	model.SortOldest:    "t.created_at ASC, t.id ASC",
	model.SortPriceAsc:  "t.price ASC, t.id DESC",
	model.SortPriceDesc: "t.price DESC, t.id DESC",
	model.SortDueDate:   "t.due_date IS NULL, t.due_date ASC, t.id DESC",
}

// Search returns one page of tasks matching f together with the total
// number of matches.  Page and Limit must already be normalized.
func (r *TaskRepo) Search(ctx context.Context, f model.TaskFilter) ([]model.Task, int64, error) {
	where := []string{}
	args := []any{}

	if f.PostedBy != 0 {
		where = append(where, "t.posted_by = ?")
		args = append(args, f.PostedBy)
	}
	if f.AcceptedBy != 0 {
		where = append(where, "t.accepted_by = ?")
		args = append(args, f.AcceptedBy)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + escapeLike(strings.ToLower(s)) + "%"
		where = append(where, "(LOWER(t.title) LIKE ? OR LOWER(t.description) LIKE ?)")
		args = append(args, like, like)
	}
	if s := strings.TrimSpace(f.Location); s != "" {
		where = append(where, "LOWER(t.address) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(s))+"%")
	}
	if s := strings.TrimSpace(f.Category); s != "" {
		where = append(where, "LOWER(t.category) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(s))+"%")
	}
	if f.MinPrice != nil {
		where = append(where, "t.price >= ?")
		args = append(args, *f.MinPrice)
	}
	if f.MaxPrice != nil {
		where = append(where, "t.price <= ?")
		args = append(args, *f.MaxPrice)
	}
	if f.Status.Valid() {
		where = append(where, "t.status = ?")
		args = append(args, f.Status)
	}
	if f.Since != nil {
		where = append(where, "t.created_at >= ?")
		args = append(args, *f.Since)
	}
	if len(f.Tags) > 0 {
		ors := make([]string, 0, len(f.Tags))
		for _, tag := range f.Tags {
			ors = append(ors, "JSON_CONTAINS(t.tags, JSON_QUOTE(?))")
			args = append(args, tag)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	cond := "1=1"
	if len(where) > 0 {
		cond = strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks t WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order, ok := taskOrder[f.Sort]
	if !ok {
		order = taskOrder[model.SortNewest]
	}
	limit := f.Limit
	offset := (f.Page - 1) * f.Limit
	argsData := append(append([]any{}, args...), limit, offset)

	rows, err := r.db.QueryContext(ctx,
		taskSelect+" WHERE "+cond+" ORDER BY "+order+" LIMIT ? OFFSET ?", argsData...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]model.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.attachApplicants(ctx, r.db, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListByPoster returns every task posted by userID, newest first.
func (r *TaskRepo) ListByPoster(ctx context.Context, userID uint64) ([]model.Task, error) {
	return r.listBy(ctx, "t.posted_by", userID)
}

// ListByWorker returns every task assigned to userID, newest first.
func (r *TaskRepo) ListByWorker(ctx context.Context, userID uint64) ([]model.Task, error) {
	return r.listBy(ctx, "t.accepted_by", userID)
}

func (r *TaskRepo) listBy(ctx context.Context, col string, userID uint64) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		taskSelect+" WHERE "+col+" = ? ORDER BY t.created_at DESC, t.id DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachApplicants(ctx, r.db, out); err != nil {
		return nil, err
	}
	return out, nil
}
