package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/clipforge/pkg/job"
)

const jobColumns = `job_id, job_type, source_url, source_key, start_sec, end_sec, aspect_ratio,
	owner_user_id, owner_username, state, progress, result_key, result_url, error_message,
	created_at, updated_at`

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

// Update describes a state change applied by CompareAndSwapState.
type Update struct {
	// To is the target state.
	To job.State

	// Progress replaces the stored progress when non-nil.
	Progress *int

	// Result is stored on completion; it is cleared for every other state.
	Result *job.ResultRef

	// Error is stored for failed and cancelled jobs; it is cleared otherwise.
	Error string

	// At stamps updated_at. Zero uses the current time.
	At time.Time
}

// Cursor positions a ListByState page after the last job already seen.
// The zero Cursor starts at the oldest job.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that follows j.
func CursorAfter(j job.Job) Cursor {
	return Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// ListOptions filters List results.
type ListOptions struct {
	OwnerID string
	State   job.State
	Limit   int
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}

	var resultKey, resultURL sql.NullString
	if j.Result != nil {
		resultKey = nullString(j.Result.Key)
		resultURL = nullString(j.Result.URL)
	}

	_, err := s.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		string(j.Type),
		nullString(j.Source.URL),
		nullString(j.Source.Key),
		j.Params.Start,
		j.Params.End,
		nullString(j.Params.AspectRatio),
		j.Owner.UserID,
		nullString(j.Owner.Username),
		string(j.State),
		j.Progress,
		resultKey,
		resultURL,
		nullString(j.Error),
		formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job with the given id, or job.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if opts.OwnerID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, opts.OwnerID)
	}
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return s.query(ctx, query, args...)
}

// ListStale returns jobs in state whose last update is older than before,
// oldest first.
func (s *Store) ListStale(ctx context.Context, state job.State, before time.Time) ([]job.Job, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(state), formatTime(before),
	)
}

// ListByState returns up to limit jobs in state that sort after the
// cursor, oldest first. Ties on created_at are ordered by job id.
func (s *Store) ListByState(ctx context.Context, state job.State, after Cursor, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	at := formatTime(after.CreatedAt)
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND (created_at > ? OR (created_at = ? AND job_id > ?))
		 ORDER BY created_at ASC, job_id ASC LIMIT ?`,
		string(state), at, at, after.ID, limit,
	)
}

// CompareAndSwapState applies upd only if the job is currently in state from.
//
// The transition is validated against the job state machine first. When the
// stored state differs, the returned error wraps job.ErrConflict (or is
// job.ErrNotFound when the job does not exist) and nothing is written.
func (s *Store) CompareAndSwapState(ctx context.Context, id string, from job.State, upd Update) (*job.Job, error) {
	if err := job.Transition(from, upd.To); err != nil {
		return nil, err
	}

	var resultKey, resultURL sql.NullString
	if upd.To == job.StateCompleted && upd.Result != nil {
		resultKey = nullString(upd.Result.Key)
		resultURL = nullString(upd.Result.URL)
	}
	var errMsg sql.NullString
	if upd.To == job.StateFailed || upd.To == job.StateCancelled {
		errMsg = nullString(upd.Error)
	}
	var progress sql.NullInt64
	if upd.Progress != nil {
		progress = sql.NullInt64{Int64: int64(job.ClampProgress(*upd.Progress)), Valid: true}
	}

	res, err := s.exec(ctx,
		`UPDATE jobs
		 SET state = ?,
		     progress = COALESCE(?, progress),
		     result_key = ?,
		     result_url = ?,
		     error_message = ?,
		     updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		string(upd.To),
		progress,
		resultKey,
		resultURL,
		errMsg,
		formatTime(stamp(upd.At)),
		id,
		string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return current, &job.ConflictError{JobID: id, Expected: from, Actual: current.State}
	}
	return current, nil
}

// UpdateProgress stores progress for a processing job and stamps
// updated_at with at (zero uses the current time). Progress never moves
// backwards and is ignored once the job left processing. It reports whether
// a row changed.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, at time.Time) (bool, error) {
	progress = job.ClampProgress(progress)
	res, err := s.exec(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ?
		 WHERE job_id = ? AND state = ? AND progress <= ?`,
		progress, formatTime(stamp(at)), id, string(job.StateProcessing), progress,
	)
	if err != nil {
		return false, fmt.Errorf("update progress %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update progress %s: %w", id, err)
	}
	return n > 0, nil
}

// SetUsername fills in the owner's username.
func (s *Store) SetUsername(ctx context.Context, id, username string) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET owner_username = ? WHERE job_id = ?`,
		nullString(username), id,
	)
	if err != nil {
		return fmt.Errorf("set username %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrNotFound
	}
	return nil
}

// Delete removes a job by id. It returns the number of rows deleted.
func (s *Store) Delete(ctx context.Context, id string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE job_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	return res.RowsAffected()
}

// DeleteByResultKey removes jobs whose output blob key is key. Deleting a
// key with no job is not an error.
func (s *Store) DeleteByResultKey(ctx context.Context, key string) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, nil
	}
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE result_key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by result key %s: %w", key, err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                                 job.Job
		jobType, state                    string
		createdAt, updatedAt              string
		sourceURL, sourceKey, aspectRatio sql.NullString
		username, resultKey, resultURL    sql.NullString
		errMsg                            sql.NullString
	)
	if err := row.Scan(
		&j.ID, &jobType, &sourceURL, &sourceKey, &j.Params.Start, &j.Params.End, &aspectRatio,
		&j.Owner.UserID, &username, &state, &j.Progress, &resultKey, &resultURL, &errMsg,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	j.Type = job.Type(jobType)
	j.State = job.State(state)
	j.Source = job.SourceRef{URL: sourceURL.String, Key: sourceKey.String}
	j.Params.AspectRatio = aspectRatio.String
	j.Owner.Username = username.String
	j.Error = errMsg.String
	if resultKey.Valid || resultURL.Valid {
		j.Result = &job.ResultRef{Key: resultKey.String, URL: resultURL.String}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// formatTime uses a fixed-width layout so stored timestamps sort lexically.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
