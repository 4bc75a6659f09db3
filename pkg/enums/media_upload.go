package enums

import "fmt"

// UploadState describes the lifecycle of a queued media capture.
type UploadState string

const (
	UploadStateQueued    UploadState = "queued"
	UploadStateUploading UploadState = "uploading"
	UploadStateUploaded  UploadState = "uploaded"
	UploadStateFailed    UploadState = "failed"
	UploadStateAbandoned UploadState = "abandoned"
)

var validUploadStates = []UploadState{
	UploadStateQueued,
	UploadStateUploading,
	UploadStateUploaded,
	UploadStateFailed,
	UploadStateAbandoned,
}

// String returns the literal string for the state.
func (u UploadState) String() string {
	return string(u)
}

// IsValid reports whether the state is known.
func (u UploadState) IsValid() bool {
	for _, candidate := range validUploadStates {
		if candidate == u {
			return true
		}
	}
	return false
}

// IsActive reports whether the asset still waits for a successful upload.
func (u UploadState) IsActive() bool {
	return u == UploadStateQueued || u == UploadStateFailed
}

// ParseUploadState converts raw input into an UploadState.
func ParseUploadState(value string) (UploadState, error) {
	for _, candidate := range validUploadStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid upload state %q", value)
}

// BackendFileType is the category the remote files an upload under.
type BackendFileType string

const (
	FileTypePhoto     BackendFileType = "photo"
	FileTypeDocument  BackendFileType = "document"
	FileTypeSignature BackendFileType = "signature"
)

var validBackendFileTypes = []BackendFileType{
	FileTypePhoto,
	FileTypeDocument,
	FileTypeSignature,
}

func (b BackendFileType) String() string {
	return string(b)
}

// IsValid reports whether the file type is known.
func (b BackendFileType) IsValid() bool {
	for _, candidate := range validBackendFileTypes {
		if candidate == b {
			return true
		}
	}
	return false
}

// ParseBackendFileType converts raw input into a BackendFileType.
func ParseBackendFileType(value string) (BackendFileType, error) {
	for _, candidate := range validBackendFileTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid file type %q", value)
}
