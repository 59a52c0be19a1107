package recording

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ObjectDeleter removes a stored object by its storage path. HTTPUploader
// implements it against the same storage endpoint uploads go to.
type ObjectDeleter interface {
	Delete(ctx context.Context, storagePath string) error
}

// StartRetentionJob periodically expires ready recordings older than
// RETENTION_KEEP_DAYS (default 30, 0 disables). The stored object is deleted
// first and the row keeps its metadata but loses its storage path; the
// watch-url gateway refuses expired recordings.
func StartRetentionJob(ctx context.Context, db *sql.DB, store ObjectDeleter) {
	keepDays := 30
	if v := os.Getenv("RETENTION_KEEP_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			keepDays = n
		}
	}
	logger := slog.Default().With(slog.String("component", "retention"))
	if keepDays <= 0 {
		logger.Info("retention sweep disabled")
		return
	}
	logger.Info("retention sweep starting", slog.Int("keep_days", keepDays))

	sweep := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
		n, err := ExpireRecordings(ctx, db, store, cutoff)
		if err != nil {
			logger.Warn("retention sweep failed", slog.Any("err", err))
			return
		}
		if n > 0 {
			logger.Info("expired recordings", slog.Int("count", n))
		}
	}

	sweep()
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention sweep stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// ExpireRecordings expires every ready recording that ended before cutoff.
// The object delete runs before the row update; a delete failure leaves the
// row ready so the next sweep retries it. Returns the number of recordings
// expired.
func ExpireRecordings(ctx context.Context, db *sql.DB, store ObjectDeleter, cutoff time.Time) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, storage_path FROM recordings
		WHERE status='ready' AND ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	type candidate struct {
		id   string
		path sql.NullString
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.path); err != nil {
			rows.Close()
			return 0, err
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, c := range cands {
		if c.path.Valid && c.path.String != "" {
			if err := store.Delete(ctx, c.path.String); err != nil {
				slog.Warn("object delete failed, keeping recording for next sweep",
					slog.String("recording_id", c.id), slog.Any("err", err), slog.String("component", "retention"))
				continue
			}
		}
		if _, err := db.ExecContext(ctx, `
			UPDATE recordings SET status='expired_deleted', storage_path=NULL, updated_at=NOW()
			WHERE id=$1 AND status='ready'`, c.id); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
