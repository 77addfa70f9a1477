package provider

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// Resolver maps (user, service) to a credentialed Handle.
type Resolver interface {
	Resolve(ctx context.Context, userID, serviceID string) (Handle, error)
}

// PgResolver reads stored connections from Postgres and instantiates
// handles through the registry. A missing row is a terminal
// ErrConnectionNotFound: credentials problems are not transient.
type PgResolver struct {
	db       *pgxpool.Pool
	registry *Registry
}

func NewPgResolver(db *pgxpool.Pool, registry *Registry) *PgResolver {
	return &PgResolver{db: db, registry: registry}
}

func (r *PgResolver) Resolve(ctx context.Context, userID, serviceID string) (Handle, error) {
	var creds domain.Credentials
	err := r.db.QueryRow(ctx,
		`select user_id, service_id, kind, access_token, endpoint
       from connections where user_id = $1 and service_id = $2`,
		userID, serviceID,
	).Scan(&creds.UserID, &creds.ServiceID, &creds.Kind, &creds.AccessToken, &creds.Endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrConnectionNotFound, "user %s has no %s connection", userID, serviceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load connection")
	}
	return r.registry.New(creds)
}

// StaticResolver serves handles from a fixed map. Used by tests and
// single-user deployments configured at startup.
type StaticResolver struct {
	handles map[[2]string]Handle
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{handles: make(map[[2]string]Handle)}
}

func (r *StaticResolver) Add(userID, serviceID string, h Handle) {
	r.handles[[2]string{userID, serviceID}] = h
}

func (r *StaticResolver) Resolve(_ context.Context, userID, serviceID string) (Handle, error) {
	h, ok := r.handles[[2]string{userID, serviceID}]
	if !ok {
		return nil, errors.Wrapf(domain.ErrConnectionNotFound, "user %s has no %s connection", userID, serviceID)
	}
	return h, nil
}
