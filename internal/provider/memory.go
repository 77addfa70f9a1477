package provider

import (
	"context"
	"path"
	"sync"

	"github.com/pkg/errors"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// KindMemory selects the in-process handle, used for tests and for
// exercising the pipeline without external accounts.
const KindMemory = "memory"

// MemoryHandle stores file contents in a map keyed by file id on the
// download side and by destination path on the upload side.
type MemoryHandle struct {
	mu    sync.Mutex
	files map[string][]byte

	// FailDownloads lists file ids whose Download always errors.
	FailDownloads map[string]bool
	// FailUploadsAfter errors every upload once this many have
	// succeeded; negative disables.
	FailUploadsAfter int

	uploads int
}

func NewMemoryHandle() *MemoryHandle {
	return &MemoryHandle{
		files:            make(map[string][]byte),
		FailDownloads:    make(map[string]bool),
		FailUploadsAfter: -1,
	}
}

// NewMemory is the registry factory for KindMemory.
func NewMemory(domain.Credentials) (Handle, error) {
	return NewMemoryHandle(), nil
}

// Put seeds a source file.
func (h *MemoryHandle) Put(fileID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[fileID] = data
}

// Stored returns the bytes at an uploaded ref, if any.
func (h *MemoryHandle) Stored(ref string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[ref]
	return b, ok
}

func (h *MemoryHandle) Download(_ context.Context, fileID string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailDownloads[fileID] {
		return nil, errors.Errorf("download %s: connection reset", fileID)
	}
	b, ok := h.files[fileID]
	if !ok {
		return nil, errors.Errorf("download %s: no such file", fileID)
	}
	return b, nil
}

func (h *MemoryHandle) Upload(_ context.Context, data []byte, name, dir string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailUploadsAfter >= 0 && h.uploads >= h.FailUploadsAfter {
		return "", errors.Errorf("upload %s: remote unavailable", name)
	}
	h.uploads++
	ref := path.Join(dir, name)
	h.files[ref] = append([]byte(nil), data...)
	return ref, nil
}
