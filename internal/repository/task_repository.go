package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/local-heroes/internal/model"
)

// TaskRepo stores tasks and their applicant rows.  Every mutating call
// is conditioned on the version the caller loaded.
type TaskRepo struct{ db *sql.DB }

func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

const taskSelect = `SELECT t.id,t.title,t.description,t.price,t.status,t.category,t.tags,t.experience_level,
	t.due_date,t.address,t.latitude,t.longitude,t.posted_by,t.accepted_by,t.views,t.version,t.created_at,t.updated_at,
	p.first_name,p.last_name,p.email,p.profile_picture,
	w.first_name,w.last_name,w.email,w.profile_picture
	FROM tasks t
	JOIN users p ON p.id = t.posted_by
	LEFT JOIN users w ON w.id = t.accepted_by`

func scanTask(rs rowScanner) (model.Task, error) {
	var (
		t                          model.Task
		category, level, address   sql.NullString
		tags                       []byte
		due                        sql.NullTime
		lat, lng                   sql.NullFloat64
		acceptedBy                 sql.NullInt64
		pPic                       sql.NullString
		wFirst, wLast, wMail, wPic sql.NullString
	)
	err := rs.Scan(&t.ID, &t.Title, &t.Description, &t.Price, &t.Status, &category, &tags, &level,
		&due, &address, &lat, &lng, &t.PosterID, &acceptedBy, &t.Views, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&t.Poster.FirstName, &t.Poster.LastName, &t.Poster.Email, &pPic,
		&wFirst, &wLast, &wMail, &wPic)
	if err != nil {
		return model.Task{}, err
	}
	t.Category, t.ExperienceLevel = category.String, level.String
	t.Tags = decodeStrings(tags)
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	t.Location.Address = address.String
	if lat.Valid && lng.Valid {
		la, lo := lat.Float64, lng.Float64
		t.Location.Latitude, t.Location.Longitude = &la, &lo
	}
	t.Poster.ID = t.PosterID
	t.Poster.ProfilePicture = pPic.String
	if acceptedBy.Valid {
		t.WorkerID = uint64(acceptedBy.Int64)
		t.Worker = &model.UserSummary{
			ID:             t.WorkerID,
			FirstName:      wFirst.String,
			LastName:       wLast.String,
			Email:          wMail.String,
			ProfilePicture: wPic.String,
		}
	}
	t.ApplicantIDs = []uint64{}
	t.Applicants = []model.UserSummary{}
	return t, nil
}

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx context.Context, t *model.Task) (uint64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (title,description,price,status,category,tags,experience_level,due_date,
		  address,latitude,longitude,posted_by)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Title, t.Description, t.Price, t.Status, nullString(t.Category), encodeStrings(t.Tags),
		nullString(t.ExperienceLevel), t.DueDate, nullString(t.Location.Address),
		t.Location.Latitude, t.Location.Longitude, t.PosterID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = uint64(id)
	t.Version = 1
	return t.ID, nil
}

// GetByID loads a task with its poster, worker and applicants populated.
func (r *TaskRepo) GetByID(ctx context.Context, id uint64) (*model.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, taskSelect+" WHERE t.id=? LIMIT 1", id))
	if err != nil {
		return nil, notFound(err)
	}
	tasks := []model.Task{t}
	if err := r.attachApplicants(ctx, r.db, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// Update writes every mutable column plus the applicant set of t, provided
// the stored version still equals t.Version.  On success t.Version is
// advanced to match the row.
func (r *TaskRepo) Update(ctx context.Context, t *model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var worker any
	if t.HasWorker() {
		worker = t.WorkerID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title=?,description=?,price=?,status=?,category=?,tags=?,experience_level=?,
		  due_date=?,address=?,latitude=?,longitude=?,accepted_by=?,version=version+1
		 WHERE id=? AND version=?`,
		t.Title, t.Description, t.Price, t.Status, nullString(t.Category), encodeStrings(t.Tags),
		nullString(t.ExperienceLevel), t.DueDate, nullString(t.Location.Address),
		t.Location.Latitude, t.Location.Longitude, worker, t.ID, t.Version)
	if err != nil {
		return err
	}
	if err := versionedResult(ctx, tx, res, t.ID); err != nil {
		return err
	}
	if err := syncApplicants(ctx, tx, t.ID, t.ApplicantIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	t.Version++
	return nil
}

// SettlePayment moves t.Price from the poster to the worker and stores
// the task's new status in one transaction.  The debit is conditioned on
// the poster's balance covering the price; when it does not, nothing is
// written and ErrInsufficientBalance is returned.
func (r *TaskRepo) SettlePayment(ctx context.Context, t *model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance=balance-?, version=version+1 WHERE id=? AND balance >= ?",
		t.Price, t.PosterID, t.Price)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInsufficientBalance
	}
	res, err = tx.ExecContext(ctx,
		"UPDATE users SET balance=balance+?, version=version+1 WHERE id=?",
		t.Price, t.WorkerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	res, err = tx.ExecContext(ctx,
		"UPDATE tasks SET status=?, version=version+1 WHERE id=? AND version=?",
		t.Status, t.ID, t.Version)
	if err != nil {
		return err
	}
	if err := versionedResult(ctx, tx, res, t.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	t.Version++
	return nil
}

// Delete removes the task; applicant rows cascade.
func (r *TaskRepo) Delete(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementViews bumps the view counter without touching the version.
func (r *TaskRepo) IncrementViews(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE tasks SET views=views+1 WHERE id=?", id)
	return err
}

// CountByStatus aggregates the number of tasks per status.
func (r *TaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.TaskStatus]int64{}
	for rows.Next() {
		var (
			s model.TaskStatus
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// versionedResult turns a zero-row conditional task update into
// ErrNotFound or ErrVersionConflict.
func versionedResult(ctx context.Context, q execer, res sql.Result, id uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := q.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id=?", id).Scan(&one); err != nil {
		return notFound(err)
	}
	return ErrVersionConflict
}

// syncApplicants makes the task_applicants rows for taskID equal ids,
// keeping the original applied_at of rows that stay.
func syncApplicants(ctx context.Context, q execer, taskID uint64, ids []uint64) error {
	if len(ids) == 0 {
		_, err := q.ExecContext(ctx, "DELETE FROM task_applicants WHERE task_id=?", taskID)
		return err
	}
	args := []any{taskID}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM task_applicants WHERE task_id=? AND user_id NOT IN ("+placeholders(len(ids))+")",
		args...); err != nil {
		return err
	}
	values := make([]string, len(ids))
	ins := make([]any, 0, 2*len(ids))
	for i, id := range ids {
		values[i] = "(?,?)"
		ins = append(ins, taskID, id)
	}
	_, err := q.ExecContext(ctx,
		"INSERT IGNORE INTO task_applicants (task_id,user_id) VALUES "+strings.Join(values, ","), ins...)
	return err
}

// attachApplicants fills ApplicantIDs and Applicants for every task in
// tasks with a single query.
func (r *TaskRepo) attachApplicants(ctx context.Context, q execer, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	index := make(map[uint64]int, len(tasks))
	args := make([]any, len(tasks))
	for i := range tasks {
		index[tasks[i].ID] = i
		args[i] = tasks[i].ID
	}
	rows, err := q.QueryContext(ctx,
		`SELECT a.task_id,u.id,u.first_name,u.last_name,u.email,u.profile_picture
		 FROM task_applicants a JOIN users u ON u.id = a.user_id
		 WHERE a.task_id IN (`+placeholders(len(tasks))+`)
		 ORDER BY a.applied_at ASC, u.id ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			taskID uint64
			s      model.UserSummary
			pic    sql.NullString
		)
		if err := rows.Scan(&taskID, &s.ID, &s.FirstName, &s.LastName, &s.Email, &pic); err != nil {
			return err
		}
		s.ProfilePicture = pic.String
		i, ok := index[taskID]
		if !ok {
			continue
		}
		tasks[i].ApplicantIDs = append(tasks[i].ApplicantIDs, s.ID)
		tasks[i].Applicants = append(tasks[i].Applicants, s)
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
