package source

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ballance/enron/internal/domain"
)

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		declared string
		header   []byte
		want     string
	}{
		{"declared wins", "a.bin", "Application/PDF; name=a.pdf", nil, "application/pdf"},
		{"extension", "report.pdf", "", nil, "application/pdf"},
		{"octet-stream falls through to extension", "notes.txt", domain.DefaultMimeType, nil, "text/plain"},
		{"pe executable", "setup", "", []byte{0x4D, 0x5A, 0x90, 0x00}, "application/x-msdownload"},
		{"ole document", "", "", []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00}, "application/x-ole-storage"},
		{"png header", "image", "", []byte("\x89PNG\r\n\x1a\n0000"), "image/png"},
		{"nothing known", "", "", nil, domain.DefaultMimeType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMimeType(tt.filename, tt.declared, tt.header))
		})
	}
}
