package provider

import (
	"context"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// KindWebDAV selects the WebDAV-backed handle. Many drive products
// expose a WebDAV surface, which makes this the one real protocol the
// base deployment ships.
const KindWebDAV = "webdav"

type webdavHandle struct {
	client *gowebdav.Client
}

// NewWebDAV builds a handle against creds.Endpoint, authenticating
// with the stored bearer token when one is present.
func NewWebDAV(creds domain.Credentials) (Handle, error) {
	if creds.Endpoint == "" {
		return nil, errors.Wrap(domain.ErrConnectionNotFound, "webdav connection has no endpoint")
	}
	c := gowebdav.NewClient(creds.Endpoint, "", "")
	if creds.AccessToken != "" {
		c.SetHeader("Authorization", "Bearer "+creds.AccessToken)
	}
	return &webdavHandle{client: c}, nil
}

func (h *webdavHandle) Download(_ context.Context, fileID string) ([]byte, error) {
	data, err := h.client.Read(fileID)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, errors.Wrapf(err, "remote file %s not found", fileID)
		}
		return nil, errors.Wrapf(err, "download %s", fileID)
	}
	return data, nil
}

func (h *webdavHandle) Upload(_ context.Context, data []byte, name, dir string) (string, error) {
	if dir == "" || dir == "root" {
		dir = "/"
	}
	if err := h.client.MkdirAll(dir, os.FileMode(0755)); err != nil && !gowebdav.IsErrCode(err, 405) {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	dest := path.Join(dir, name)
	if err := h.client.Write(dest, data, os.FileMode(0644)); err != nil {
		return "", errors.Wrapf(err, "upload %s", dest)
	}
	return dest, nil
}
