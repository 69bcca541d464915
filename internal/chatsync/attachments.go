package chatsync

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/terryong31/nego-lah/internal/backend"
	"github.com/terryong31/nego-lah/internal/model"
)

// attachmentsFor builds the preview descriptors shown next to a sent
// message. The blob reference is only meaningful to this process.
func attachmentsFor(files []backend.File) []model.Attachment {
	if len(files) == 0 {
		return nil
	}
	out := make([]model.Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, model.Attachment{
			Name: f.Name,
			Type: DetectType(f),
			URL:  "blob:" + uuid.NewString(),
		})
	}
	return out
}

// DetectType returns f's MIME type, guessing from the file name and then
// the content when it is not set.
func DetectType(f backend.File) string {
	if f.Type != "" {
		return f.Type
	}
	if t := mime.TypeByExtension(filepath.Ext(f.Name)); t != "" {
		return t
	}
	return http.DetectContentType(f.Data)
}
