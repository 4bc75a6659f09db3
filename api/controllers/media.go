package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/angelmondragon/fieldsync/api/middleware"
	"github.com/angelmondragon/fieldsync/api/responses"
	"github.com/angelmondragon/fieldsync/api/validators"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

const (
	multipartMemory = 8 << 20
	genericMimeType = "application/octet-stream"
)

// MediaOptions configures the upload endpoint.
type MediaOptions struct {
	MaxUploadBytes int64
	// PublicBaseURL prefixes the blobURL handed back to devices.
	PublicBaseURL string
}

type mediaUploadForm struct {
	EntityName string `json:"entityName" validate:"required,max=128"`
	EntityID   string `json:"entityId" validate:"required,max=128"`
	FileType   string `json:"fileType" validate:"omitempty,oneof=photo document signature"`
	DeviceID   string `json:"deviceId" validate:"max=128"`
	UserID     string `json:"userId" validate:"max=128"`
	Metadata   string `json:"metadata" validate:"omitempty,json"`
}

// MediaUpload accepts one multipart file attached to an entity.
func MediaUpload(store MediaStore, opts MediaOptions, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.MaxUploadBytes+multipartMemory)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			responses.WriteError(r.Context(), logg, w, uploadParseError(err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		form := mediaUploadForm{
			EntityName: validators.SanitizeString(r.FormValue("entityName"), 0),
			EntityID:   validators.SanitizeString(r.FormValue("entityId"), 0),
			FileType:   validators.SanitizeString(r.FormValue("fileType"), 0),
			DeviceID:   validators.SanitizeString(r.FormValue("deviceId"), 0),
			UserID:     validators.SanitizeString(r.FormValue("userId"), 0),
			Metadata:   strings.TrimSpace(r.FormValue("metadata")),
		}
		if err := validators.Validate(&form); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "file part is required"))
			return
		}
		defer file.Close()

		content, err := readUpload(file, opts.MaxUploadBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		fileName := validators.SanitizeString(header.Filename, 255)
		if fileName == "" {
			fileName = "upload"
		}
		mimeType := resolveMimeType(header.Header.Get("Content-Type"), content)
		fileType := enums.BackendFileType(form.FileType)
		if fileType == "" {
			fileType = media.BackendFileTypeFor(fileName, mimeType)
		}

		deviceID := form.DeviceID
		if ctxDevice := middleware.DeviceIDFromContext(r.Context()); ctxDevice != "" {
			deviceID = ctxDevice
		}
		userID := form.UserID
		if ctxUser := middleware.UserIDFromContext(r.Context()); ctxUser != "" {
			userID = ctxUser
		}

		row := &models.RemoteMedia{
			ID:         uuid.New(),
			EntityName: form.EntityName,
			EntityID:   form.EntityID,
			FileName:   fileName,
			MimeType:   mimeType,
			FileType:   fileType.String(),
			DeviceID:   deviceID,
			UserID:     userID,
			Metadata:   form.Metadata,
			SizeBytes:  int64(len(content)),
			Content:    content,
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithMediaID(ctx, row.ID.String())
		}
		if err := store.SaveMedia(ctx, row); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"entity_name": row.EntityName,
				"entity_id":   row.EntityID,
				"size_bytes":  row.SizeBytes,
				"mime_type":   row.MimeType,
			}), "media.uploaded")
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, types.MediaUploadResponse{
			MediaID: row.ID.String(),
			BlobURL: blobURL(opts.PublicBaseURL, row.ID),
		})
	}
}

// EntityMedia lists the attachments stored for one entity.
func EntityMedia(store MediaStore, opts MediaOptions, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityName, err := validators.PathParam(r, "entityName")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entityID, err := validators.PathParam(r, "entityId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := store.ListMedia(r.Context(), entityName, entityID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		files := make([]types.MediaDescriptor, 0, len(rows))
		for _, row := range rows {
			files = append(files, descriptorFor(row, opts.PublicBaseURL))
		}
		responses.WriteSuccess(w, types.EntityMediaResponse{MediaFiles: files})
	}
}

// MediaContent streams the stored bytes behind a blobURL.
func MediaContent(store MediaStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := validators.PathParam(r, "mediaId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid media id"))
			return
		}
		row, err := store.GetMedia(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.Header().Set("Content-Type", row.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(row.Content)))
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", row.FileName))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(row.Content)
	}
}

func readUpload(file io.Reader, limit int64) ([]byte, error) {
	reader := file
	if limit > 0 {
		reader = io.LimitReader(file, limit+1)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read file part")
	}
	if len(content) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is empty")
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file exceeds upload limit").WithDetails(map[string]any{"limit_bytes": limit})
	}
	return content, nil
}

func uploadParseError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return pkgerrors.New(pkgerrors.CodeValidation, "file exceeds upload limit").WithDetails(map[string]any{"limit_bytes": tooLarge.Limit})
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart form")
}

// resolveMimeType trusts the declared type unless it is missing or generic.
func resolveMimeType(declared string, content []byte) string {
	clean := strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	if clean != "" && clean != genericMimeType {
		return clean
	}
	detected := mimetype.Detect(content).String()
	return strings.TrimSpace(strings.SplitN(detected, ";", 2)[0])
}

func blobURL(base string, id uuid.UUID) string {
	return strings.TrimRight(base, "/") + "/sync/media/" + id.String() + "/content"
}

func descriptorFor(row models.RemoteMedia, base string) types.MediaDescriptor {
	d := types.MediaDescriptor{
		MediaID:    row.ID.String(),
		EntityName: row.EntityName,
		EntityID:   row.EntityID,
		FileName:   row.FileName,
		MimeType:   row.MimeType,
		FileType:   row.FileType,
		BlobURL:    blobURL(base, row.ID),
		SizeBytes:  row.SizeBytes,
		CreatedAt:  row.CreatedAt,
	}
	if row.Metadata != "" {
		d.Metadata = []byte(row.Metadata)
	}
	return d
}

