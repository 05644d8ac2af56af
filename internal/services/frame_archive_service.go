package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/s3"
	"github.com/rs/zerolog"
)

// FrameArchiveService uploads decoded preview frames to object storage.
// It listens for frame events only.
type FrameArchiveService struct {
	NopEventListener

	Bucket        string
	Region        string
	Workers       int
	QueueSize     int
	UploadTimeout time.Duration
	Logger        zerolog.Logger

	storage    s3.ObjectStorageClient
	workerPool *utils.WorkerPool

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFrameArchiveService initializes a new FrameArchiveService around a
// connected storage client.
func NewFrameArchiveService(bucket, region string, workers, queueSize int, storage s3.ObjectStorageClient,
	logger zerolog.Logger) *FrameArchiveService {

	return &FrameArchiveService{
		Bucket:        bucket,
		Region:        region,
		Workers:       workers,
		QueueSize:     queueSize,
		UploadTimeout: 30 * time.Second,
		Logger:        logger,
		storage:       storage,
	}
}

// Start makes sure the bucket exists and starts the upload workers.
func (f *FrameArchiveService) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ctx != nil {
		f.Logger.Warn().Msg("FrameArchiveService is already running")
		return errors.New("frame archive service is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	bucketCtx, bucketCancel := context.WithTimeout(ctx, f.UploadTimeout)
	defer bucketCancel()
	if err := f.storage.EnsureBucket(bucketCtx, f.Bucket, f.Region); err != nil {
		cancel()
		f.Logger.Error().Err(err).Str("bucket", f.Bucket).Msg("Failed to prepare frame archive bucket")
		return fmt.Errorf("failed to prepare bucket %s: %w", f.Bucket, err)
	}

	f.ctx, f.cancel = ctx, cancel
	f.workerPool = utils.NewWorkerPool(f.Workers, f.QueueSize)

	f.Logger.Info().Str("bucket", f.Bucket).Msg("FrameArchiveService started successfully")
	return nil
}

// Stop waits for queued uploads and stops the workers.
func (f *FrameArchiveService) Stop() error {
	f.mu.Lock()
	if f.ctx == nil {
		f.mu.Unlock()
		f.Logger.Warn().Msg("FrameArchiveService is not running")
		return errors.New("frame archive service is not running")
	}
	pool, cancel := f.workerPool, f.cancel
	f.ctx = nil
	f.mu.Unlock()

	pool.Shutdown()
	cancel()

	f.Logger.Info().Msg("FrameArchiveService stopped successfully")
	return nil
}

// ObjectName is the key a frame is stored under.
func ObjectName(deviceID, frameType string, metadata models.FrameMetadata) string {
	return fmt.Sprintf("%s/%d_%s.jpg", deviceID, metadata.Timestamp.UnixNano(), frameType)
}

// OnPreviewFrameReceived queues the frame for upload, dropping it when the
// upload queue is full.
func (f *FrameArchiveService) OnPreviewFrameReceived(deviceID, frameType string, data []byte, metadata models.FrameMetadata) {
	f.mu.RLock()
	ctx, pool := f.ctx, f.workerPool
	f.mu.RUnlock()
	if ctx == nil {
		return
	}

	name := ObjectName(deviceID, frameType, metadata)
	frame := append([]byte(nil), data...)

	submitted := pool.TrySubmit(func() {
		uploadCtx, cancel := context.WithTimeout(ctx, f.UploadTimeout)
		defer cancel()

		size, err := f.storage.PutObject(uploadCtx, f.Bucket, name, frame, "image/jpeg")
		if err != nil {
			f.Logger.Error().Err(err).Str("object", name).Msg("Failed to archive preview frame")
			return
		}
		f.Logger.Debug().Str("object", name).Int64("size", size).Msg("Preview frame archived")
	})
	if !submitted {
		f.Logger.Warn().Str("device_id", deviceID).Str("object", name).Msg("Archive queue full, dropping preview frame")
	}
}
