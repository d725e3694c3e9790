package models

import (
	"net/http"
	"strings"
	"time"
)

// MediaBlob is a locally stored media file.
type MediaBlob struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	SourceURL   string    `json:"source_url"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

var allowedMediaContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"video/mp4":  {},
	"video/webm": {},
}

// AllowedMediaType reports whether contentType may be stored and served as media.
func AllowedMediaType(contentType string) bool {
	_, ok := allowedMediaContentTypes[contentType]
	return ok
}

// DetectMediaType sniffs data and returns its content type if it is an allowed image or video.
// The type a remote server declares is never trusted.
func DetectMediaType(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}

	contentType := strings.ToLower(strings.TrimSpace(http.DetectContentType(data)))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "image/jpg" {
		contentType = "image/jpeg"
	}
	return contentType, AllowedMediaType(contentType)
}
