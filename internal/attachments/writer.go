// Package attachments saves file attachments harvested from messages.
// Writers are best-effort collaborators: failures are logged by callers and
// never fail the message.
package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// Writer persists one attachment and returns the stored name.
type Writer interface {
	Save(ctx context.Context, messageID, name string, data []byte) (string, error)
}

// Decode converts the provider's base64 content bytes.
func Decode(contentBytes string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(contentBytes)
	if err != nil {
		return nil, fmt.Errorf("attachments: decoding content: %w", err)
	}
	return data, nil
}

// FileName derives the stored name: the message id plus the attachment's
// original extension, ".bin" when it has none.
func FileName(messageID, attachmentName string) string {
	ext := filepath.Ext(attachmentName)
	if ext == "" {
		ext = ".bin"
	}
	return messageID + ext
}

// FSWriter writes attachments under a local directory.
type FSWriter struct {
	dir string
}

// NewFSWriter creates the target directory if needed.
func NewFSWriter(dir string) (*FSWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachments: create dir %s: %w", dir, err)
	}
	return &FSWriter{dir: dir}, nil
}

// Save writes the attachment to disk.
func (w *FSWriter) Save(_ context.Context, messageID, name string, data []byte) (string, error) {
	stored := FileName(messageID, name)
	path := filepath.Join(w.dir, stored)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("attachments: write %s: %w", path, err)
	}
	return stored, nil
}
