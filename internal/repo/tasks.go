package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskhub/internal/domain"
)

// maxDependencyDepth bounds the reachability walk over dependency edges.
const maxDependencyDepth = 100

const taskColumns = `id,title,description,status,due_date,assignee_id,creator_id,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description sql.NullString
	err := row.Scan(&t.ID, &t.Title, &description, &t.Status, &t.DueDate, &t.AssigneeID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = &description.String
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask stores t and returns the assigned id.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(title,description,status,due_date,assignee_id,creator_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.Title, nullableStringPtr(t.Description), t.Status, t.DueDate, t.AssigneeID, t.CreatorID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateTask writes the mutable columns of t. creator_id and created_at never change.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, due_date=?, assignee_id=?, updated_at=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Description), t.Status, t.DueDate, t.AssigneeID, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask returns the bare task row without relations.
func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ExistingTaskIDs returns which of ids are present.
func (r Repo) ExistingTaskIDs(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	found, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// IncompleteTaskIDs returns the members of ids whose status is not completed.
func (r Repo) IncompleteTaskIDs(ctx context.Context, tx *sql.Tx, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append(int64Args(ids), domain.StatusCompleted)
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM tasks WHERE id IN (`+placeholders(len(ids))+`) AND status<>? ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// ListDependencyIDs returns the ids taskID depends on.
func (r Repo) ListDependencyIDs(ctx context.Context, tx *sql.Tx, taskID int64) ([]int64, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT dependency_id FROM task_dependencies WHERE task_id=? ORDER BY dependency_id`, taskID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// ListDependentIDs returns the ids of tasks that depend on taskID.
func (r Repo) ListDependentIDs(ctx context.Context, tx *sql.Tx, taskID int64) ([]int64, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE dependency_id=? ORDER BY task_id`, taskID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// DependenciesOf loads the dependency rows of every task in taskIDs, keyed by dependent id.
func (r Repo) DependenciesOf(ctx context.Context, tx *sql.Tx, taskIDs []int64) (map[int64][]domain.Task, error) {
	out := make(map[int64][]domain.Task, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	query := `SELECT d.task_id, t.id, t.title, t.description, t.status, t.due_date, t.assignee_id, t.creator_id, t.created_at, t.updated_at
FROM task_dependencies d JOIN tasks t ON t.id = d.dependency_id
WHERE d.task_id IN (` + placeholders(len(taskIDs)) + `) ORDER BY d.task_id, t.id`
	rows, err := r.q(tx).QueryContext(ctx, query, int64Args(taskIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var owner int64
		var t domain.Task
		var description sql.NullString
		if err := rows.Scan(&owner, &t.ID, &t.Title, &description, &t.Status, &t.DueDate, &t.AssigneeID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			t.Description = &description.String
		}
		out[owner] = append(out[owner], t)
	}
	return out, rows.Err()
}

// AddDependencies inserts edges, ignoring ones that already exist. Returns the
// number of new edges.
func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID int64, deps []int64, now string) (int, error) {
	added := 0
	for _, d := range deps {
		res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id, dependency_id, created_at) VALUES (?,?,?)`, taskID, d, now)
		if err != nil {
			return added, fmt.Errorf("add dependency %d -> %d: %w", taskID, d, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, taskID int64, deps []int64) error {
	for _, d := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? AND dependency_id=?`, taskID, d); err != nil {
			return fmt.Errorf("remove dependency %d -> %d: %w", taskID, d, err)
		}
	}
	return nil
}

// SyncDependencies makes deps the exact dependency set of taskID and returns
// the ids that were added and removed.
func (r Repo) SyncDependencies(ctx context.Context, tx *sql.Tx, taskID int64, deps []int64, now string) (added, removed []int64, err error) {
	current, err := r.ListDependencyIDs(ctx, tx, taskID)
	if err != nil {
		return nil, nil, err
	}
	want := make(map[int64]bool, len(deps))
	for _, d := range deps {
		want[d] = true
	}
	have := make(map[int64]bool, len(current))
	for _, d := range current {
		have[d] = true
		if !want[d] {
			removed = append(removed, d)
		}
	}
	for _, d := range deps {
		if !have[d] {
			added = append(added, d)
			have[d] = true
		}
	}
	if err := r.RemoveDependencies(ctx, tx, taskID, removed); err != nil {
		return nil, nil, err
	}
	if _, err := r.AddDependencies(ctx, tx, taskID, added, now); err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// Reaches reports whether to is reachable from from by following dependency edges.
func (r Repo) Reaches(ctx context.Context, tx *sql.Tx, from, to int64) (bool, error) {
	if from == to {
		return true, nil
	}
	var exists bool
	err := r.q(tx).QueryRowContext(ctx, `
WITH RECURSIVE paths(dependency_id, depth) AS (
	SELECT dependency_id, 1 FROM task_dependencies WHERE task_id = ?
	UNION
	SELECT d.dependency_id, p.depth + 1
	FROM task_dependencies d
	JOIN paths p ON d.task_id = p.dependency_id
	WHERE p.depth < ?
)
SELECT EXISTS(SELECT 1 FROM paths WHERE dependency_id = ?)`, from, maxDependencyDepth, to).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dependency path: %w", err)
	}
	return exists, nil
}

type TaskFilters struct {
	Status     string
	AssigneeID int64
	DueFrom    string
	DueTo      string
	Limit      int
	Offset     int
}

func (f TaskFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != 0 {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.DueFrom != "" {
		clauses = append(clauses, "due_date>=?")
		args = append(args, f.DueFrom)
	}
	if f.DueTo != "" {
		clauses = append(clauses, "due_date<=?")
		args = append(args, f.DueTo)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListTasks returns one page of matching tasks ordered by id and the total match count.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, int, error) {
	where, args := f.where()
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}
