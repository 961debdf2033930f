package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tinoosan/titan/internal/data"
)

// sqlRepo holds the queries shared by the SQLite and Postgres stores. Queries
// are written with '?' placeholders and passed through bind for the driver.
// Timestamps are stored as unix milliseconds.
type sqlRepo struct {
	db   *sql.DB
	bind func(string) string
}

const taskColumns = `id,url,headers,final_path,temp_path,file_name,status,progress,downloaded_bytes,total_bytes,speed_bps,created_at,updated_at,error,uid,tag,type,source,cover,duration,resolution,extra`

func (r *sqlRepo) Close() error { return r.db.Close() }

func (r *sqlRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *sqlRepo) Get(ctx context.Context, id int64) (*data.Task, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *sqlRepo) GetByIDs(ctx context.Context, ids []int64) (data.Tasks, error) {
	if len(ids) == 0 {
		return data.Tasks{}, nil
	}
	in, args := inClause(ids)
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+in+`) ORDER BY created_at ASC, id ASC`, args...)
}

func (r *sqlRepo) GetByUID(ctx context.Context, uid string) (*data.Task, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE uid=? ORDER BY created_at DESC, id DESC LIMIT 1`), uid)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *sqlRepo) List(ctx context.Context, q data.Query) (data.Tasks, error) {
	q = q.Normalize()
	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	var args []any
	switch q.Scope {
	case data.ScopeActive:
		b.WriteString(` WHERE status <> ?`)
		args = append(args, string(data.StatusCompleted))
	case data.ScopeCompleted:
		b.WriteString(` WHERE status = ?`)
		args = append(args, string(data.StatusCompleted))
	}
	if q.Order == data.OrderAsc {
		b.WriteString(` ORDER BY created_at ASC, id ASC`)
	} else {
		b.WriteString(` ORDER BY created_at DESC, id DESC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		// LIMIT -1 is not portable, so page with a large bound instead.
		b.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, int64(1<<62), q.Offset)
	}
	return r.queryTasks(ctx, b.String(), args...)
}

func (r *sqlRepo) FindNextSchedulable(ctx context.Context) (*data.Task, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`
SELECT `+taskColumns+` FROM tasks
WHERE status = ? OR status = ?
ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, created_at ASC, id ASC
LIMIT 1`), string(data.StatusReady), string(data.StatusQueued), string(data.StatusReady))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *sqlRepo) ActiveTasks(ctx context.Context) (data.Tasks, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? OR status = ? ORDER BY created_at ASC, id ASC`,
		string(data.StatusRunning), string(data.StatusPreparing))
}

func (r *sqlRepo) Insert(ctx context.Context, tasks ...*data.Task) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	q := r.bind(`INSERT INTO tasks (url,headers,final_path,temp_path,file_name,status,progress,downloaded_bytes,total_bytes,speed_bps,created_at,updated_at,error,uid,tag,type,source,cover,duration,resolution,extra)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`)
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		headersJSON, _ := json.Marshal(t.Headers)
		var id int64
		err := tx.QueryRowContext(ctx, q,
			t.URL, nullJSON(headersJSON), t.FinalPath, t.TempPath, t.FileName, string(t.Status),
			t.Progress, t.DownloadedBytes, t.TotalBytes, t.SpeedBps,
			t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), nullString(t.Error),
			t.UID, t.Tag, t.Type, t.Source, t.Cover, t.Duration, t.Resolution, t.Extra,
		).Scan(&id)
		if err != nil {
			return nil, err
		}
		t.ID = id
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *sqlRepo) UpdateStatus(ctx context.Context, id int64, status data.Status, at time.Time) error {
	return r.UpdateStatuses(ctx, []int64{id}, status, at)
}

func (r *sqlRepo) UpdateStatuses(ctx context.Context, ids []int64, status data.Status, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	in, idArgs := inClause(ids)
	q := `UPDATE tasks SET status=?, updated_at=?, error=NULL WHERE id IN (` + in + `)`
	if status == data.StatusFailed {
		q = `UPDATE tasks SET status=?, updated_at=? WHERE id IN (` + in + `)`
	}
	args := append([]any{string(status), at.UnixMilli()}, idArgs...)
	_, err := r.db.ExecContext(ctx, r.bind(q), args...)
	return err
}

func (r *sqlRepo) ResumeStatuses(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	in, idArgs := inClause(ids)
	q := `UPDATE tasks SET status = CASE WHEN temp_path = '' THEN ? ELSE ? END, error=NULL, updated_at=?
WHERE id IN (` + in + `) AND status IN (?,?,?)`
	args := []any{string(data.StatusQueued), string(data.StatusReady), at.UnixMilli()}
	args = append(args, idArgs...)
	args = append(args, string(data.StatusPaused), string(data.StatusFailed), string(data.StatusCanceled))
	_, err := r.db.ExecContext(ctx, r.bind(q), args...)
	return err
}

func (r *sqlRepo) UpdateOnPrepareSuccess(ctx context.Context, id int64, finalPath, tempPath, fileName string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.bind(`UPDATE tasks SET final_path=?, temp_path=?, file_name=?, status=?, error=NULL, updated_at=? WHERE id=?`),
		finalPath, tempPath, fileName, string(data.StatusReady), at.UnixMilli(), id)
	return err
}

func (r *sqlRepo) UpdateProgress(ctx context.Context, id int64, p data.Progress, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.bind(`UPDATE tasks SET progress=?, downloaded_bytes=?, total_bytes=?,
		speed_bps=CASE WHEN status=? THEN CAST(0 AS BIGINT) ELSE ? END, updated_at=?
		WHERE id=? AND (status=? OR (status=? AND downloaded_bytes<?))`),
		p.Percent, p.Downloaded, p.Total, string(data.StatusPaused), p.Speed, at.UnixMilli(),
		id, string(data.StatusRunning), string(data.StatusPaused), p.Downloaded)
	return err
}

func (r *sqlRepo) UpdateOnSuccess(ctx context.Context, id int64, finalPath, fileName string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.bind(`UPDATE tasks SET status=?, progress=100, downloaded_bytes=total_bytes, final_path=?, file_name=?, error=NULL, updated_at=? WHERE id=?`),
		string(data.StatusCompleted), finalPath, fileName, at.UnixMilli(), id)
	return err
}

func (r *sqlRepo) UpdateOnError(ctx context.Context, id int64, status data.Status, msg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.bind(`UPDATE tasks SET status=?, error=?, updated_at=? WHERE id=?`),
		string(status), nullString(msg), at.UnixMilli(), id)
	return err
}

func (r *sqlRepo) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	_, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM tasks WHERE id IN (`+in+`)`), args...)
	return err
}

func (r *sqlRepo) queryTasks(ctx context.Context, q string, args ...any) (data.Tasks, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.Tasks{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(rs rowScanner) (*data.Task, error) {
	var (
		t                  data.Task
		status             string
		headersRaw, errMsg sql.NullString
		created, updated   int64
	)
	if err := rs.Scan(&t.ID, &t.URL, &headersRaw, &t.FinalPath, &t.TempPath, &t.FileName, &status,
		&t.Progress, &t.DownloadedBytes, &t.TotalBytes, &t.SpeedBps, &created, &updated, &errMsg,
		&t.UID, &t.Tag, &t.Type, &t.Source, &t.Cover, &t.Duration, &t.Resolution, &t.Extra); err != nil {
		return nil, err
	}
	t.Status = data.Status(status)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if headersRaw.Valid && headersRaw.String != "" {
		_ = json.Unmarshal([]byte(headersRaw.String), &t.Headers)
	}
	return &t, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return strings.Join(marks, ","), args
}

// bindQuestion leaves '?' placeholders untouched (SQLite).
func bindQuestion(q string) string { return q }

// bindDollar rewrites '?' placeholders to $1..$n (Postgres). The queries in
// this package never contain a literal question mark.
func bindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func nullJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
