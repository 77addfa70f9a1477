package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudporter/cloudporter/internal/domain"
)

func TestRegistrySelectsByKind(t *testing.T) {
	r := NewRegistry()
	r.Register(KindMemory, NewMemory)

	h, err := r.New(domain.Credentials{Kind: KindMemory})
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.New(domain.Credentials{Kind: "gopherdrive"})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestStaticResolver(t *testing.T) {
	ctx := context.Background()
	r := NewStaticResolver()
	h := NewMemoryHandle()
	r.Add("u1", "google-drive", h)

	got, err := r.Resolve(ctx, "u1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, Handle(h), got)

	_, err = r.Resolve(ctx, "u1", "onedrive")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
	_, err = r.Resolve(ctx, "u2", "google-drive")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestMemoryHandleRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHandle()
	h.Put("f1", []byte("hello"))

	data, err := h.Download(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	ref, err := h.Upload(ctx, data, "a.txt", "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", ref)
	stored, ok := h.Stored(ref)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), stored)

	_, err = h.Download(ctx, "missing")
	assert.Error(t, err)
}

func TestMemoryHandleFailureInjection(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHandle()
	h.Put("f1", []byte("x"))
	h.FailDownloads["f1"] = true

	_, err := h.Download(ctx, "f1")
	assert.Error(t, err)
	assert.False(t, domain.Terminal(err), "provider I/O errors are retryable")

	h.FailUploadsAfter = 1
	_, err = h.Upload(ctx, []byte("x"), "a", "d")
	require.NoError(t, err)
	_, err = h.Upload(ctx, []byte("x"), "b", "d")
	assert.Error(t, err)
}

func TestWebDAVRequiresEndpoint(t *testing.T) {
	_, err := NewWebDAV(domain.Credentials{Kind: KindWebDAV})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	h, err := NewWebDAV(domain.Credentials{Kind: KindWebDAV, Endpoint: "https://dav.example.com/remote.php/webdav", AccessToken: "tok"})
	require.NoError(t, err)
	assert.NotNil(t, h)
}
