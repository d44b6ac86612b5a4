package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrBusy is returned while the live monitor holds the index write path.
var ErrBusy = errors.New("Search is unavailable while live monitor is running. Stop monitor first.")

// Gate reports whether searching is currently allowed.
type Gate interface {
	CanSearch() bool
}

// Manager guards the search service behind the monitor gate and owns the
// lifecycle of uploaded clip files.
type Manager struct {
	Service   *Service
	Gate      Gate
	UploadDir string
}

// SearchUpload spools an uploaded clip to disk and searches it. The original
// filename is only used for its extension; the spooled file is always
// deleted before returning.
func (m *Manager) SearchUpload(ctx context.Context, filename string, r io.Reader) (*SearchResponse, error) {
	if m.Gate != nil && !m.Gate.CanSearch() {
		return nil, ErrBusy
	}
	if filename == "" {
		return nil, &InputError{Msg: "Uploaded file must have a filename"}
	}

	if err := os.MkdirAll(m.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("search: create upload dir: %w", err)
	}
	tempPath := filepath.Join(m.UploadDir, "upload_"+randomHex()+filepath.Ext(filename))
	defer func() { _ = os.Remove(tempPath) }()

	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("search: spool upload: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("search: spool upload: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("search: spool upload: %w", closeErr)
	}
	if n == 0 {
		return nil, &InputError{Msg: "Uploaded file is empty"}
	}

	return m.Service.SearchFile(ctx, tempPath)
}
