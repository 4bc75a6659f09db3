package types

import (
	"encoding/json"
	"time"
)

// EntityWrite is the body of PUT /sync/entities/{table}/{key}.
type EntityWrite struct {
	Payload json.RawMessage `json:"payload" validate:"required,jsonobject"`
	Version int64           `json:"version" validate:"min=0"`
}

// EntityAck is the remote acknowledgement of an entity write.
type EntityAck struct {
	RemoteID string `json:"remoteId"`
	Version  int64  `json:"version"`
}

// CanonicalRecord is the server-authoritative copy of one entity.
type CanonicalRecord struct {
	Key            string          `json:"key"`
	RemoteID       string          `json:"remoteId"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
}

// TableSnapshot is the body of GET /sync/entities/{table}.
type TableSnapshot struct {
	Records []CanonicalRecord `json:"records"`
}

// ConflictDetails travels in the error details of a 409 so the device can
// resolve a stale write without another round trip.
type ConflictDetails struct {
	RemoteID       string          `json:"remoteId"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
}

// MediaUploadResponse is the body of POST /sync/media/upload.
type MediaUploadResponse struct {
	MediaID string `json:"mediaId"`
	BlobURL string `json:"blobURL"`
}

// MediaDescriptor describes one stored attachment of an entity.
type MediaDescriptor struct {
	MediaID    string          `json:"mediaId"`
	EntityName string          `json:"entityName"`
	EntityID   string          `json:"entityId"`
	FileName   string          `json:"fileName"`
	MimeType   string          `json:"mimeType"`
	FileType   string          `json:"fileType"`
	BlobURL    string          `json:"blobURL"`
	SizeBytes  int64           `json:"sizeBytes"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// EntityMediaResponse is the body of GET /sync/media/entity/{entityName}/{entityId}.
type EntityMediaResponse struct {
	MediaFiles []MediaDescriptor `json:"mediaFiles"`
}
