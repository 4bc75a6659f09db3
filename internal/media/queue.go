// Package media queues captured binaries and uploads them one at a time.
// Upload progress is durable: an asset that reached Uploaded is never sent
// again, whatever happens to the rest of its batch.
package media

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/fieldsync/internal/remote"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultMaxRetries    = 5
	defaultUploadTimeout = 2 * time.Minute
)

var validate = validator.New()

type uploader interface {
	UploadMedia(ctx context.Context, asset models.MediaAsset, body io.Reader) (types.MediaUploadResponse, error)
	FetchEntityMedia(ctx context.Context, entityName, entityID string) ([]types.MediaDescriptor, error)
}

type Options struct {
	DB      *gorm.DB
	Remote  uploader
	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.SyncMetrics
	// SpoolDir receives raw bytes handed to Enqueue.
	SpoolDir       string
	MaxRetries     int
	MaxUploadBytes int64
	UploadTimeout  time.Duration
	DeviceID       string
	UserID         string
}

// Queue is the MediaUploadQueue.
//
// Thread-safety: safe for concurrent use; uploads are serialised.
type Queue struct {
	repo     *Repository
	remote   uploader
	clock    clock.Clock
	logg     *logger.Logger
	metrics  *metrics.SyncMetrics
	spoolDir string
	maxRetry int
	maxBytes int64
	timeout  time.Duration
	deviceID string
	userID   string

	uploadMu sync.Mutex
}

// EnqueueInput describes one capture. Exactly one of SourcePath or Data
// supplies the bytes.
type EnqueueInput struct {
	EntityName string          `validate:"required,max=128"`
	EntityID   string          `validate:"required,max=128"`
	FileName   string          `validate:"required,max=255"`
	MimeType   string          `validate:"omitempty,max=255"`
	DeviceID   string          `validate:"omitempty,max=128"`
	UserID     string          `validate:"omitempty,max=128"`
	Metadata   json.RawMessage `validate:"omitempty"`
	SourcePath string          `validate:"required_without=Data"`
	Data       []byte          `validate:"required_without=SourcePath"`
}

// ItemResult is the outcome of one asset within a batch.
type ItemResult struct {
	LocalMediaID  string            `json:"localMediaId"`
	State         enums.UploadState `json:"state"`
	Uploaded      bool              `json:"uploaded"`
	RemoteMediaID string            `json:"remoteMediaId,omitempty"`
	BlobURL       string            `json:"blobUrl,omitempty"`
	Code          pkgerrors.Code    `json:"code,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type BatchResult struct {
	UploadedCount int          `json:"uploadedCount"`
	Items         []ItemResult `json:"items"`
}

func NewQueue(opts Options) (*Queue, error) {
	if opts.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "database handle is required")
	}
	if opts.Remote == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "remote uploader is required")
	}
	if strings.TrimSpace(opts.SpoolDir) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "media spool directory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	return &Queue{
		repo:     NewRepository(opts.DB),
		remote:   opts.Remote,
		clock:    opts.Clock,
		logg:     opts.Logger,
		metrics:  opts.Metrics,
		spoolDir: opts.SpoolDir,
		maxRetry: opts.MaxRetries,
		maxBytes: opts.MaxUploadBytes,
		timeout:  opts.UploadTimeout,
		deviceID: opts.DeviceID,
		userID:   opts.UserID,
	}, nil
}

// Enqueue validates a capture and records it as Queued.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*models.MediaAsset, error) {
	if err := validate.Struct(in); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid media capture")
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "metadata must be valid JSON")
	}

	id := uuid.NewString()
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType != "" {
		mt, err := normalizeMimeType(mimeType)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid mime type")
		}
		mimeType = mt
	}

	var (
		source string
		size   int64
	)
	if len(in.Data) > 0 {
		size = int64(len(in.Data))
		if err := q.checkSize(size); err != nil {
			return nil, err
		}
		if mimeType == "" {
			mimeType = sniffBytes(in.Data)
		}
		path, err := q.spool(id, mimeType, in.Data)
		if err != nil {
			return nil, err
		}
		source = path
	} else {
		info, err := os.Stat(in.SourcePath)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "media source unreadable")
		}
		if !info.Mode().IsRegular() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "media source must be a regular file")
		}
		size = info.Size()
		if err := q.checkSize(size); err != nil {
			return nil, err
		}
		if mimeType == "" {
			mt, err := sniffFile(in.SourcePath)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "detect mime type")
			}
			mimeType = mt
		}
		source = in.SourcePath
	}

	now := q.clock.Now()
	asset := &models.MediaAsset{
		LocalMediaID:    id,
		EntityName:      in.EntityName,
		EntityID:        in.EntityID,
		FileName:        filepath.Base(in.FileName),
		MimeType:        mimeType,
		BackendFileType: BackendFileTypeFor(in.FileName, mimeType),
		DeviceID:        firstNonEmpty(in.DeviceID, q.deviceID),
		UserID:          firstNonEmpty(in.UserID, q.userID),
		Metadata:        in.Metadata,
		ByteSource:      source,
		SizeBytes:       size,
		UploadState:     enums.UploadStateQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.repo.Create(ctx, asset); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "persist media asset")
	}
	ctx = q.logg.WithMediaID(ctx, id)
	q.logg.Info(q.logg.WithField(ctx, "file_type", asset.BackendFileType), "media queued")
	return asset, nil
}

func (q *Queue) checkSize(size int64) error {
	if size <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "media source is empty")
	}
	if q.maxBytes > 0 && size > q.maxBytes {
		return pkgerrors.New(pkgerrors.CodeValidation, "media exceeds upload limit").
			WithDetails(map[string]any{"sizeBytes": size, "maxBytes": q.maxBytes})
	}
	return nil
}

func (q *Queue) spool(id, mimeType string, data []byte) (string, error) {
	if err := os.MkdirAll(q.spoolDir, 0o755); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "create media spool")
	}
	path := filepath.Join(q.spoolDir, id+extensionFor(mimeType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "spool media bytes")
	}
	return path, nil
}

// Recover returns assets left in Uploading by a crash to Queued.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetUploading(ctx, q.clock.Now())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "reset uploading media")
	}
	return n, nil
}

// UploadBatch uploads up to limit active assets, oldest first.
func (q *Queue) UploadBatch(ctx context.Context, limit int) (BatchResult, error) {
	assets, err := q.repo.ListByState(ctx, limit, enums.UploadStateQueued, enums.UploadStateFailed)
	if err != nil {
		return BatchResult{}, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "list queued media")
	}
	return q.upload(ctx, assets)
}

// UploadAssets uploads the given assets in order. Unknown ids and assets
// that are no longer active are reported without a network call.
func (q *Queue) UploadAssets(ctx context.Context, ids []string) (BatchResult, error) {
	assets, err := q.repo.ListByIDs(ctx, ids)
	if err != nil {
		return BatchResult{}, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "load media assets")
	}
	found := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		found[a.LocalMediaID] = struct{}{}
	}
	result, err := q.upload(ctx, assets)
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			result.Items = append(result.Items, ItemResult{
				LocalMediaID: id,
				Code:         pkgerrors.CodeNotFound,
				Error:        "media asset not found",
			})
		}
	}
	return result, err
}

// upload processes assets strictly one at a time. A cancelled ctx stops the
// batch: the asset in flight goes back to Queued and the rest are untouched.
func (q *Queue) upload(ctx context.Context, assets []models.MediaAsset) (BatchResult, error) {
	q.uploadMu.Lock()
	defer q.uploadMu.Unlock()

	result := BatchResult{Items: make([]ItemResult, 0, len(assets))}
	for i := range assets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		asset := assets[i]
		if !asset.UploadState.IsActive() {
			result.Items = append(result.Items, skipped(asset))
			continue
		}
		item, err := q.uploadOne(ctx, &asset)
		if item.LocalMediaID != "" {
			result.Items = append(result.Items, item)
		}
		if item.Uploaded {
			result.UploadedCount++
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func skipped(asset models.MediaAsset) ItemResult {
	item := ItemResult{LocalMediaID: asset.LocalMediaID, State: asset.UploadState}
	if asset.UploadState == enums.UploadStateUploaded {
		item.RemoteMediaID = deref(asset.RemoteMediaID)
		item.BlobURL = deref(asset.BlobURL)
		item.Error = "already uploaded"
		return item
	}
	item.Code = pkgerrors.CodeConflict
	item.Error = "media asset is not awaiting upload"
	return item
}

// uploadOne returns a non-nil error only for conditions that must stop the
// batch: cancellation or local storage failure.
func (q *Queue) uploadOne(ctx context.Context, asset *models.MediaAsset) (ItemResult, error) {
	ctx = q.logg.WithMediaID(ctx, asset.LocalMediaID)
	persistCtx := context.WithoutCancel(ctx)

	now := q.clock.Now()
	claimed, err := q.repo.Claim(persistCtx, asset.LocalMediaID, now)
	if err != nil {
		return ItemResult{}, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "mark media uploading").WithEntryID(asset.LocalMediaID)
	}
	if !claimed {
		current, err := q.repo.Get(persistCtx, asset.LocalMediaID)
		if err != nil {
			return ItemResult{}, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "reload media asset").WithEntryID(asset.LocalMediaID)
		}
		if current == nil {
			return ItemResult{LocalMediaID: asset.LocalMediaID, Code: pkgerrors.CodeNotFound, Error: "media asset not found"}, nil
		}
		q.logg.Info(q.logg.WithField(ctx, "upload_state", current.UploadState.String()), "media asset claimed elsewhere, skipped")
		return skipped(*current), nil
	}
	asset.UploadState = enums.UploadStateUploading
	asset.UpdatedAt = now

	resp, uploadErr := q.send(ctx, *asset)
	now = q.clock.Now()
	item := ItemResult{LocalMediaID: asset.LocalMediaID}

	switch {
	case uploadErr == nil:
		asset.UploadState = enums.UploadStateUploaded
		asset.RemoteMediaID = &resp.MediaID
		asset.BlobURL = &resp.BlobURL
		asset.LastError = nil
		asset.UploadedAt = &now
		item.Uploaded = true
		item.RemoteMediaID = resp.MediaID
		item.BlobURL = resp.BlobURL
	case ctx.Err() != nil:
		// Disconnect or shutdown mid-upload; not the asset's fault.
		asset.UploadState = enums.UploadStateQueued
	case pkgerrors.IsTransient(uploadErr):
		asset.RetryCount++
		asset.LastError = errorMessage(uploadErr)
		asset.UploadState = enums.UploadStateFailed
		if asset.RetryCount >= q.maxRetry {
			asset.UploadState = enums.UploadStateAbandoned
		}
	default:
		asset.RetryCount++
		asset.LastError = errorMessage(uploadErr)
		asset.UploadState = enums.UploadStateAbandoned
	}
	asset.UpdatedAt = now
	item.State = asset.UploadState
	if uploadErr != nil && ctx.Err() == nil {
		item.Code = pkgerrors.CodeOf(uploadErr)
		item.Error = uploadErr.Error()
	}

	if err := q.repo.Save(persistCtx, asset); err != nil {
		return item, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "record media upload outcome").WithEntryID(asset.LocalMediaID)
	}
	q.metrics.MediaUpload(asset.UploadState.String())

	switch asset.UploadState {
	case enums.UploadStateUploaded:
		q.logg.Info(q.logg.WithField(ctx, "remote_media_id", resp.MediaID), "media uploaded")
		q.releaseSpool(ctx, asset.ByteSource)
	case enums.UploadStateQueued:
		item.Error = "upload interrupted"
		q.logg.Warn(ctx, "media upload interrupted, requeued")
		return item, ctx.Err()
	case enums.UploadStateAbandoned:
		q.logg.Error(ctx, "media upload abandoned", uploadErr)
	default:
		q.logg.Warn(q.logg.WithField(ctx, "retry_count", asset.RetryCount), "media upload failed: "+uploadErr.Error())
	}
	return item, nil
}

func (q *Queue) send(ctx context.Context, asset models.MediaAsset) (types.MediaUploadResponse, error) {
	f, err := os.Open(asset.ByteSource)
	if err != nil {
		return types.MediaUploadResponse{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "media source unavailable")
	}
	defer f.Close()

	callCtx, cancel := context.WithTimeout(remote.WithIdempotencyKey(ctx, asset.LocalMediaID), q.timeout)
	defer cancel()
	resp, err := q.remote.UploadMedia(callCtx, asset, f)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return resp, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "media upload timed out")
	}
	return resp, err
}

// releaseSpool removes bytes this queue spooled itself once they are safe
// on the server. Caller-owned files are left alone.
func (q *Queue) releaseSpool(ctx context.Context, path string) {
	rel, err := filepath.Rel(q.spoolDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.logg.Warn(ctx, "remove spooled media: "+err.Error())
	}
}

// FetchEntityMedia lists what the remote holds for an entity.
func (q *Queue) FetchEntityMedia(ctx context.Context, entityName, entityID string) ([]types.MediaDescriptor, error) {
	if strings.TrimSpace(entityName) == "" || strings.TrimSpace(entityID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entity name and id are required")
	}
	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	return q.remote.FetchEntityMedia(callCtx, entityName, entityID)
}

func (q *Queue) Get(ctx context.Context, id string) (*models.MediaAsset, error) {
	asset, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read media asset")
	}
	if asset == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "media asset not found").WithEntryID(id)
	}
	return asset, nil
}

// ListActive returns every asset still waiting for a successful upload.
func (q *Queue) ListActive(ctx context.Context) ([]models.MediaAsset, error) {
	assets, err := q.repo.ListByState(ctx, 0, enums.UploadStateQueued, enums.UploadStateUploading, enums.UploadStateFailed)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "list active media")
	}
	return assets, nil
}

// HasWork reports whether any asset is Queued or Failed.
func (q *Queue) HasWork(ctx context.Context) (bool, error) {
	assets, err := q.repo.ListByState(ctx, 1, enums.UploadStateQueued, enums.UploadStateFailed)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "check media queue")
	}
	return len(assets) > 0, nil
}

func (q *Queue) Stats(ctx context.Context) ([]StateCount, error) {
	rows, err := q.repo.CountByState(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "count media")
	}
	return rows, nil
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return &msg
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
