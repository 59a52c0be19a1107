package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Coke3a/stream-catch/jobqueue"
	"github.com/Coke3a/stream-catch/telemetry"
)

// FatalError marks an upload failure that retrying cannot fix (corrupt source
// file, storage rejecting the object). The handler marks the recording failed
// and dead-letters the job instead of burning retry attempts; the dead letter
// keeps the failure visible to operators.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Uploader pushes a captured recording into object storage and returns the
// storage path plus the object size.
type Uploader interface {
	Upload(ctx context.Context, recordingKey, localPath string) (storagePath string, sizeBytes int64, err error)
}

// HTTPUploader PUTs the capture file to STORAGE_BASE_URL/<recording_key> with
// a bearer token. 4xx responses other than 408/429 are fatal; everything else
// is retryable.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, recordingKey, localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, Fatal("capture file missing", err)
		}
		return "", 0, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat capture file: %w", err)
	}
	if st.Size() == 0 {
		return "", 0, Fatal("capture file empty", nil)
	}

	dst := u.BaseURL + "/" + url.PathEscape(recordingKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dst, f)
	if err != nil {
		return "", 0, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "video/mp4")
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: %w", recordingKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("storage returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return "", 0, Fatal("storage rejected object", err)
		}
		return "", 0, err
	}
	return recordingKey, st.Size(), nil
}

// Delete removes a stored object. A 404 counts as already gone.
func (u *HTTPUploader) Delete(ctx context.Context, storagePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.BaseURL+"/"+url.PathEscape(storagePath), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", storagePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("storage delete returned %d", resp.StatusCode)
	}
	return nil
}

// UploadProcessor is the RecordingUpload job handler. It resolves the capture
// file from CaptureDir by recording id, runs the upload, and finalizes the
// recording row either way.
type UploadProcessor struct {
	Manager    *Manager
	Uploader   Uploader
	CaptureDir string
}

// Handle processes one RecordingUpload payload. Redeliveries of already
// finished recordings are no-ops.
func (p *UploadProcessor) Handle(ctx context.Context, payload json.RawMessage) error {
	var body jobqueue.RecordingUploadPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return jobqueue.Permanent(fmt.Errorf("bad RecordingUpload payload: %w", err))
	}
	rec, err := p.Manager.Get(ctx, body.RecordingID)
	if err != nil {
		return fmt.Errorf("load recording %s: %w", body.RecordingID, err)
	}

	switch rec.Status {
	case StatusReady, StatusFailed, StatusExpiredDeleted:
		// Redelivered after the outcome landed.
		telemetry.LoggerWithCorr(ctx).Info("upload already settled",
			slog.String("recording_id", rec.ID), slog.String("status", rec.Status))
		return nil
	case StatusWaitingUpload:
		if err := p.Manager.MarkUploading(ctx, rec.ID); err != nil && !errors.Is(err, ErrStaleTransition) {
			return err
		}
	case StatusUploading:
		// Resuming after a reaped lease.
	default:
		return jobqueue.Permanent(fmt.Errorf("recording in state %s cannot upload", rec.Status))
	}

	if !rec.RecordingKey.Valid {
		return jobqueue.Permanent(fmt.Errorf("recording %s has no key", rec.ID))
	}
	localPath := filepath.Join(p.CaptureDir, rec.ID+".mp4")

	start := time.Now()
	storagePath, size, uerr := p.Uploader.Upload(ctx, rec.RecordingKey.String, localPath)
	if telemetry.UploadDuration != nil {
		telemetry.UploadDuration.Observe(time.Since(start).Seconds())
	}
	if uerr != nil {
		if IsFatal(uerr) {
			if telemetry.UploadsFailed != nil {
				telemetry.UploadsFailed.Inc()
			}
			if ferr := p.Manager.MarkFailed(ctx, rec.ID, uerr); ferr != nil && !errors.Is(ferr, ErrStaleTransition) {
				return ferr
			}
			// The recording row carries the failure; the dead-lettered job
			// keeps it on the operator's radar.
			return jobqueue.Permanent(uerr)
		}
		return uerr
	}

	durationSec := 0
	if rec.DurationSec.Valid {
		durationSec = int(rec.DurationSec.Int32)
	}
	if err := p.Manager.MarkReady(ctx, rec.ID, storagePath, size, durationSec); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil
		}
		return err
	}
	if telemetry.UploadsSucceeded != nil {
		telemetry.UploadsSucceeded.Inc()
	}
	return nil
}
