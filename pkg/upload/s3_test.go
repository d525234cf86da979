package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/coveragoor/pkg/config"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		runID  string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			runID:  "8cec1fab",
			want:   "coverage/runs/8cec1fab",
		},
		{
			name:   "custom prefix",
			prefix: "my-project/coverage",
			runID:  "8cec1fab",
			want:   "my-project/coverage/8cec1fab",
		},
		{
			name:   "trailing slash stripped",
			prefix: "my-prefix/",
			runID:  "run123",
			want:   "my-prefix/run123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			got := u.resolvePrefix(tt.runID)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "json report",
			path:       "reports/unified.json",
			wantPrefix: "application/json",
		},
		{
			name:       "no extension",
			path:       "reports/Makefile",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "coverage profile",
			path:       "reports/cartservice.coverprofile",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "txt file",
			path:       "reports/notes.txt",
			wantPrefix: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectContentType(tt.path)
			assert.Contains(t, got, tt.wantPrefix)
		})
	}
}
