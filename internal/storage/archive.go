package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chadiek/voicecall/internal/metrics"
)

// Uploader stores an object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// Downloader fetches a recording from the telephony provider.
type Downloader interface {
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// RecordingIndex remembers where a call's recording was archived.
type RecordingIndex interface {
	SetRecordingURL(ctx context.Context, callID, url string) error
}

// Archiver copies completed call recordings into object storage.
type Archiver struct {
	downloader Downloader
	uploader   Uploader
	index      RecordingIndex
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

func NewArchiver(d Downloader, u Uploader, index RecordingIndex, logger *slog.Logger, m *metrics.Metrics) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		downloader: d,
		uploader:   u,
		index:      index,
		logger:     logger,
		metrics:    m,
		timeout:    2 * time.Minute,
	}
}

// ObjectKey is the storage key for a call's recording.
func ObjectKey(callSID, recordingSID string) string {
	return fmt.Sprintf("recordings/%s/%s.wav", callSID, recordingSID)
}

// Archive downloads the recording and uploads it, then records the object
// key against the call. It returns the key.
func (a *Archiver) Archive(ctx context.Context, callSID, recordingSID, recordingURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	data, err := a.downloader.DownloadRecording(ctx, recordingURL)
	a.metrics.ObserveProvider("recording_download", start)
	if err != nil {
		return "", err
	}

	key := ObjectKey(callSID, recordingSID)
	start = time.Now()
	err = a.uploader.Upload(key, "audio/wav", data)
	a.metrics.ObserveProvider("recording_upload", start)
	if err != nil {
		return "", fmt.Errorf("failed to upload to storage: %w", err)
	}

	if a.index != nil {
		if err := a.index.SetRecordingURL(ctx, callSID, key); err != nil {
			a.logger.Warn("recording archived but not indexed", "call_sid", callSID, "key", key, "err", err)
		}
	}
	a.logger.Info("recording archived", "call_sid", callSID, "key", key, "bytes", len(data))
	return key, nil
}
