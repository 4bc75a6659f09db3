package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

const (
	headerAuthorization  = "Authorization"
	headerIdempotencyKey = "Idempotency-Key"
	headerDeviceID       = "X-Device-ID"
)

type HTTPOptions struct {
	BaseURL  string
	Tokens   TokenSource
	DeviceID string
	Timeout  time.Duration
	HTTP     *http.Client
	Logger   *logger.Logger
}

// HTTPClient talks to the sync server over JSON and multipart HTTP.
type HTTPClient struct {
	baseURL  string
	tokens   TokenSource
	deviceID string
	http     *http.Client
	logg     *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, stdErrors.New("remote base url required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	hc := opts.HTTP
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &HTTPClient{baseURL: base, tokens: tokens, deviceID: opts.DeviceID, http: hc, logg: logg}, nil
}

func (c *HTTPClient) CreateOrUpdateEntity(ctx context.Context, table, key string, payload json.RawMessage, version int64) (types.EntityAck, error) {
	body, err := json.Marshal(types.EntityWrite{Payload: payload, Version: version})
	if err != nil {
		return types.EntityAck{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode entity write")
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.entityPath(table, key), bytes.NewReader(body))
	if err != nil {
		return types.EntityAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var ack types.EntityAck
	if err := c.do(ctx, req, &ack); err != nil {
		return types.EntityAck{}, err
	}
	return ack, nil
}

func (c *HTTPClient) DeleteEntity(ctx context.Context, table, key string, version int64) error {
	path := c.entityPath(table, key) + "?version=" + strconv.FormatInt(version, 10)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// UploadMedia streams body as the "file" part of a multipart form.
func (c *HTTPClient) UploadMedia(ctx context.Context, asset models.MediaAsset, body io.Reader) (types.MediaUploadResponse, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMediaForm(form, asset, body))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/sync/media/upload", pr)
	if err != nil {
		pr.Close()
		return types.MediaUploadResponse{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out types.MediaUploadResponse
	if err := c.do(ctx, req, &out); err != nil {
		pr.Close()
		return types.MediaUploadResponse{}, err
	}
	if out.MediaID == "" {
		return types.MediaUploadResponse{}, pkgerrors.New(pkgerrors.CodeUnknownServer, "upload response missing mediaId")
	}
	return out, nil
}

func writeMediaForm(form *multipart.Writer, asset models.MediaAsset, body io.Reader) error {
	fields := []struct{ name, value string }{
		{"entityName", asset.EntityName},
		{"entityId", asset.EntityID},
		{"fileType", asset.BackendFileType.String()},
		{"deviceId", asset.DeviceID},
		{"userId", asset.UserID},
		{"metadata", string(asset.Metadata)},
	}
	for _, f := range fields {
		if err := form.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, asset.FileName))
	header.Set("Content-Type", asset.MimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return form.Close()
}

func (c *HTTPClient) FetchEntityMedia(ctx context.Context, entityName, entityID string) ([]types.MediaDescriptor, error) {
	path := "/sync/media/entity/" + url.PathEscape(entityName) + "/" + url.PathEscape(entityID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out types.EntityMediaResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.MediaFiles, nil
}

func (c *HTTPClient) FetchTable(ctx context.Context, table string) ([]types.CanonicalRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sync/entities/"+url.PathEscape(table), nil)
	if err != nil {
		return nil, err
	}
	var out types.TableSnapshot
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// HealthProbe reports whether GET /sync/debug answers {success:true}.
func (c *HTTPClient) HealthProbe(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/sync/debug", nil)
	if err != nil {
		return false
	}
	var out types.HealthResponse
	if err := c.do(ctx, req, &out); err != nil {
		c.logg.Debug(ctx, "health probe failed: "+err.Error())
		return false
	}
	return out.Success
}

func (c *HTTPClient) entityPath(table, key string) string {
	return "/sync/entities/" + url.PathEscape(table) + "/" + url.PathEscape(key)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "build request")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "device token unavailable")
	}
	if token != "" {
		req.Header.Set(headerAuthorization, "Bearer "+token)
	}
	if key := IdempotencyKeyFrom(ctx); key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	if c.deviceID != "" {
		req.Header.Set(headerDeviceID, c.deviceID)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return pkgerrors.Wrap(pkgerrors.CodeUnknownServer, err, "decode remote response")
	}
	return nil
}
