package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/godlm/internal/domain"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("job not found")

func unixNow() int64 {
	return time.Now().Unix()
}

// Metadata is the subset of a job's fields the prober/planner fill in
// once a HEAD/range probe has run and segments have been planned.
type Metadata struct {
	FinalFilename   *string
	TempFilename    *string
	TotalSize       *int64
	ETag            *string
	LastModified    *string
	SegmentCount    int
	CompletedBitmap []byte
}

// Add inserts a new queued job for url and returns its assigned id.
func (s *Store) Add(ctx context.Context, url string, settings domain.Settings) (int64, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return 0, fmt.Errorf("marshal settings: %w", err)
	}
	now := unixNow()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			url, final_filename, temp_filename, total_size,
			etag, last_modified, segment_count, completed_bitmap,
			state, created_at, updated_at, settings_json
		) VALUES (?, NULL, NULL, NULL, NULL, NULL, 0, x'', ?, ?, ?, ?)
	`, url, string(domain.StateQueued), now, now, string(settingsJSON))
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// List returns every job, newest first, for the CLI `status` verb.
func (s *Store) List(ctx context.Context) ([]domain.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, state, final_filename, total_size
		FROM jobs
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Summary
	for rows.Next() {
		var sum domain.Summary
		var state string
		if err := rows.Scan(&sum.ID, &sum.URL, &state, &sum.FinalFilename, &sum.TotalSize); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		sum.State = domain.JobState(state)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get fetches a single job's full record.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, final_filename, temp_filename, total_size,
		       etag, last_modified, segment_count, completed_bitmap,
		       state, created_at, updated_at, settings_json
		FROM jobs
		WHERE id = ?
	`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	var job domain.Job
	var state string
	var settingsJSON sql.NullString
	if err := row.Scan(
		&job.ID, &job.URL, &job.FinalFilename, &job.TempFilename, &job.TotalSize,
		&job.ETag, &job.LastModified, &job.SegmentCount, &job.CompletedBitmap,
		&state, &job.CreatedAt, &job.UpdatedAt, &settingsJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = domain.JobState(state)
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &job.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &job, nil
}

// UpdateMetadata writes the fields the prober/planner produce after a
// (re)probe: derived name, size, validators, segment plan, and bitmap.
func (s *Store) UpdateMetadata(ctx context.Context, id int64, meta Metadata) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET final_filename = ?, temp_filename = ?, total_size = ?,
		    etag = ?, last_modified = ?, segment_count = ?,
		    completed_bitmap = ?, updated_at = ?
		WHERE id = ?
	`, meta.FinalFilename, meta.TempFilename, meta.TotalSize,
		meta.ETag, meta.LastModified, meta.SegmentCount,
		meta.CompletedBitmap, unixNow(), id)
	if err != nil {
		return fmt.Errorf("update metadata for job %d: %w", id, err)
	}
	return nil
}

// UpdateBitmap is the hot path called after every coalesced batch of
// segment completions: it persists only the bitmap, not the whole
// metadata row, so durable progress tracking stays cheap.
func (s *Store) UpdateBitmap(ctx context.Context, id int64, bitmap []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_bitmap = ?, updated_at = ? WHERE id = ?
	`, bitmap, unixNow(), id)
	if err != nil {
		return fmt.Errorf("update bitmap for job %d: %w", id, err)
	}
	return nil
}

// SetState transitions a job to a new state.
func (s *Store) SetState(ctx context.Context, id int64, state domain.JobState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?
	`, string(state), unixNow(), id)
	if err != nil {
		return fmt.Errorf("set state for job %d: %w", id, err)
	}
	return nil
}

// ClaimNextQueued atomically selects the lowest-id queued job and
// marks it Running, so concurrent schedulers never race on the same
// job. Returns (0, false, nil) if no job is queued.
func (s *Store) ClaimNextQueued(ctx context.Context) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE state = ? ORDER BY id ASC LIMIT 1
	`, string(domain.StateQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, tx.Commit()
	}
	if err != nil {
		return 0, false, fmt.Errorf("select next queued job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?
	`, string(domain.StateRunning), unixNow(), id); err != nil {
		return 0, false, fmt.Errorf("claim job %d: %w", id, err)
	}

	return id, true, tx.Commit()
}

// RecoverRunning resets every job stuck in Running back to Queued,
// for the case where a previous process crashed mid-download. Returns
// the number of jobs reset.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?
	`, string(domain.StateQueued), unixNow(), string(domain.StateRunning))
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

// Remove permanently deletes a job row. File cleanup, if requested, is
// the caller's responsibility.
func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	return nil
}

// ListFinalFilenamesIn returns the final_filename of every job whose
// settings.download_dir matches downloadDir (both empty counts as a
// match, for jobs that never set one), excluding excludeID. Used for
// collision-avoidance numbering before a second job claims the same
// final name.
func (s *Store) ListFinalFilenamesIn(ctx context.Context, downloadDir string, excludeID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, final_filename, settings_json FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list final filenames: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id int64
		var finalFilename sql.NullString
		var settingsJSON sql.NullString
		if err := rows.Scan(&id, &finalFilename, &settingsJSON); err != nil {
			return nil, fmt.Errorf("scan filename row: %w", err)
		}
		if id == excludeID {
			continue
		}
		var jobDir string
		if settingsJSON.Valid && settingsJSON.String != "" {
			var settings domain.Settings
			if err := json.Unmarshal([]byte(settingsJSON.String), &settings); err == nil {
				jobDir = settings.DownloadDir
			}
		}
		if jobDir != downloadDir {
			continue
		}
		if finalFilename.Valid && finalFilename.String != "" {
			out = append(out, finalFilename.String)
		}
	}
	return out, rows.Err()
}
