package media

import (
	"testing"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

func TestBackendFileTypeFor(t *testing.T) {
	tests := []struct {
		fileName string
		mimeType string
		want     enums.BackendFileType
	}{
		{fileName: "front.jpg", mimeType: "image/jpeg", want: enums.FileTypePhoto},
		{fileName: "scan.png", mimeType: "IMAGE/PNG", want: enums.FileTypePhoto},
		{fileName: "deed.pdf", mimeType: "application/pdf", want: enums.FileTypeDocument},
		{fileName: "notes.docx", mimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", want: enums.FileTypeDocument},
		{fileName: "notes.txt", mimeType: "text/plain; charset=utf-8", want: enums.FileTypeDocument},
		{fileName: "Owner_Signature.png", mimeType: "image/png", want: enums.FileTypeSignature},
		{fileName: "signature.pdf", mimeType: "application/pdf", want: enums.FileTypeSignature},
		{fileName: "clip.mp4", mimeType: "video/mp4", want: enums.FileTypePhoto},
		{fileName: "blob", mimeType: "", want: enums.FileTypePhoto},
	}
	for _, tt := range tests {
		if got := BackendFileTypeFor(tt.fileName, tt.mimeType); got != tt.want {
			t.Fatalf("BackendFileTypeFor(%q, %q) = %s want %s", tt.fileName, tt.mimeType, got, tt.want)
		}
	}
}

func TestSniffBytesDetectsPDF(t *testing.T) {
	if got := sniffBytes([]byte("%PDF-1.7\n%...")); got != "application/pdf" {
		t.Fatalf("expected application/pdf, got %s", got)
	}
	if got := sniffBytes([]byte("plain words")); got != "text/plain" {
		t.Fatalf("expected text/plain, got %s", got)
	}
}

func TestNormalizeMimeTypeRejectsGarbage(t *testing.T) {
	if _, err := normalizeMimeType(""); err == nil {
		t.Fatalf("expected error for empty mime type")
	}
	if _, err := normalizeMimeType("/;;"); err == nil {
		t.Fatalf("expected error for malformed mime type")
	}
}
