// Package provider models cloud storage services as a small download/
// upload capability. Concrete protocols plug in through a registry
// keyed by provider kind, so adding a provider never touches the
// executor.
package provider

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// Handle is a credentialed connection to one provider account.
type Handle interface {
	// Download fetches the contents of the file identified by the
	// provider-specific id.
	Download(ctx context.Context, fileID string) ([]byte, error)
	// Upload stores data under name inside path and returns the new
	// provider-specific file reference.
	Upload(ctx context.Context, data []byte, name, path string) (string, error)
}

// Factory builds a Handle from stored credentials.
type Factory func(creds domain.Credentials) (Handle, error)

// Registry maps provider kinds to factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

func (r *Registry) New(creds domain.Credentials) (Handle, error) {
	f, ok := r.factories[creds.Kind]
	if !ok {
		return nil, errors.Wrapf(domain.ErrConnectionNotFound, "no provider registered for kind %q", creds.Kind)
	}
	return f(creds)
}
