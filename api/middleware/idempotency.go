package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/fieldsync/api/responses"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	pkgredis "github.com/angelmondragon/fieldsync/pkg/redis"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	entityIdempotencyTTL = 24 * time.Hour
	// Uploads may be retried for days by a device that stays offline.
	uploadIdempotencyTTL = 7 * 24 * time.Hour
)

// IdempotencyOptions tunes replay handling. Zero values keep the defaults.
type IdempotencyOptions struct {
	UploadTTL time.Duration
	// MaxBody bounds how much of a request is buffered for hashing.
	MaxBody int64
}

// replayRecord is the first response to a sync write, stored under the
// device's Idempotency-Key.
type replayRecord struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

// Idempotency answers a replayed write with the response recorded for the
// first attempt, so a device that lost the acknowledgement can resend
// safely. Server failures are not recorded and stay retryable.
func Idempotency(store pkgredis.IdempotencyStore, opts IdempotencyOptions, logg *logger.Logger) func(http.Handler) http.Handler {
	uploadTTL := uploadIdempotencyTTL
	if opts.UploadTTL > 0 {
		uploadTTL = opts.UploadTTL
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := replayTTL(r.Method, r.URL.Path, uploadTTL)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			fail := func(err error) { responses.WriteError(ctx, logg, w, err) }

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" {
				fail(pkgerrors.New(pkgerrors.CodeValidation, idempotencyHeader+" header required"))
				return
			}

			body, err := bufferBody(w, r, opts.MaxBody)
			if err != nil {
				fail(err)
				return
			}
			requestHash := hashRequest(body)
			key := store.IdempotencyKey(replayScope(r), clientKey)

			stored, err := store.Get(ctx, key)
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				fail(pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check idempotency"))
				return
			default:
				var record replayRecord
				if err := json.Unmarshal([]byte(stored), &record); err != nil {
					fail(pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
					return
				}
				if record.RequestHash != requestHash {
					fail(pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
					return
				}
				if logg != nil {
					logg.Info(logg.WithField(ctx, "idempotency_key", clientKey), "idempotency.replayed")
				}
				record.writeTo(w)
				return
			}

			var captured bytes.Buffer
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			payload, err := json.Marshal(replayRecord{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        captured.Bytes(),
				RequestHash: requestHash,
			})
			if err == nil {
				_, err = store.SetNX(ctx, key, string(payload), ttl)
			}
			if err != nil && logg != nil {
				logg.Error(ctx, "persist idempotency record", err)
			}
		})
	}
}

func (rec replayRecord) writeTo(w http.ResponseWriter) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

// replayTTL reports whether method and path name a replayable sync write.
// It matches the raw path: inside a sub-router chi has not resolved the
// full route pattern yet.
func replayTTL(method, path string, uploadTTL time.Duration) (time.Duration, bool) {
	switch {
	case (method == http.MethodPut || method == http.MethodDelete) && strings.HasPrefix(path, "/sync/entities/"):
		return entityIdempotencyTTL, true
	case method == http.MethodPost && path == "/sync/media/upload":
		return uploadTTL, true
	default:
		return 0, false
	}
}

// replayScope keeps two devices that reuse a key from sharing a record.
func replayScope(r *http.Request) string {
	return strings.Join([]string{DeviceIDFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	reader := r.Body
	if reader == nil {
		reader = http.NoBody
	}
	if limit > 0 {
		reader = http.MaxBytesReader(w, reader, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "request body too large").
				WithDetails(map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
