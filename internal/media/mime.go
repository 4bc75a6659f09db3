package media

import (
	"fmt"
	"mime"
	"strings"

	"github.com/angelmondragon/fieldsync/pkg/enums"
	"github.com/gabriel-vasile/mimetype"
)

const signatureMarker = "signature"

var documentMimeTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/rtf":    {},
	"text/plain":         {},
	"text/csv":           {},
}

var documentMimePrefixes = []string{
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.oasis.opendocument.",
	"application/vnd.ms-",
}

// BackendFileTypeFor maps a capture to the category the remote files it
// under. A file name mentioning "signature" wins over the mime type.
func BackendFileTypeFor(fileName, mimeType string) enums.BackendFileType {
	if strings.Contains(strings.ToLower(fileName), signatureMarker) {
		return enums.FileTypeSignature
	}
	mt, err := normalizeMimeType(mimeType)
	if err != nil {
		return enums.FileTypePhoto
	}
	if strings.HasPrefix(mt, "image/") {
		return enums.FileTypePhoto
	}
	if isDocumentMime(mt) {
		return enums.FileTypeDocument
	}
	return enums.FileTypePhoto
}

func isDocumentMime(mt string) bool {
	if _, ok := documentMimeTypes[mt]; ok {
		return true
	}
	for _, prefix := range documentMimePrefixes {
		if strings.HasPrefix(mt, prefix) {
			return true
		}
	}
	return false
}

// normalizeMimeType strips parameters and lowercases the media type.
func normalizeMimeType(value string) (string, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return "", fmt.Errorf("mime type required")
	}
	mediaType, _, err := mime.ParseMediaType(clean)
	if err != nil {
		return "", fmt.Errorf("mime type invalid: %w", err)
	}
	if mediaType == "" {
		return "", fmt.Errorf("mime type missing")
	}
	return strings.ToLower(mediaType), nil
}

// sniffBytes detects the mime type from content.
func sniffBytes(data []byte) string {
	mt, err := normalizeMimeType(mimetype.Detect(data).String())
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

// sniffFile detects the mime type from the head of a file on disk.
func sniffFile(path string) (string, error) {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	mt, err := normalizeMimeType(detected.String())
	if err != nil {
		return "application/octet-stream", nil
	}
	return mt, nil
}

// extensionFor picks a spool file extension for the mime type.
func extensionFor(mimeType string) string {
	if detected := mimetype.Lookup(mimeType); detected != nil {
		return detected.Extension()
	}
	return ""
}
