package auth

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

// Identity is a verified user identity delivered by the authentication
// provider: an email plus a display name. Nothing else from the token is
// trusted or kept.
type Identity struct {
	Email string
	Name  string
}

// Authenticator verifies a bearer credential and returns the identity it
// asserts
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (*Identity, error)
}

// Resolver turns a verified identity into a Candidate, enforcing the
// allow-list and bootstrapping configured admin emails on first sign-in.
type Resolver struct {
	store       storage.Store
	adminEmails map[string]bool
}

// Bootstrapped admins get an effectively unlimited quota
const bootstrapAdminQuotaDollars = 9999

// NewResolver creates a resolver over the given store. adminEmails are
// bootstrapped as admin candidates on their first successful sign-in.
func NewResolver(store storage.Store, adminEmails []string) *Resolver {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = true
	}
	return &Resolver{store: store, adminEmails: admins}
}

// Resolve returns the candidate for a verified identity. Unknown emails are
// rejected unless listed as admin emails, in which case an admin candidate
// is created. Deactivated candidates are rejected.
func (r *Resolver) Resolve(identity *Identity) (*types.Candidate, error) {
	email := strings.ToLower(identity.Email)

	candidate, err := r.store.GetCandidate(email)
	if err == nil {
		if !candidate.Active() {
			return nil, errdefs.Forbiddenf("account for %s has been deactivated", email)
		}
		return candidate, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	if !r.adminEmails[email] {
		return nil, errdefs.Forbiddenf("%s is not on the allow-list", email)
	}

	// First sign-in of a configured admin email creates the admin record
	candidate = &types.Candidate{
		Email:        email,
		Name:         identity.Name,
		Role:         types.RoleAdmin,
		QuotaDollars: bootstrapAdminQuotaDollars,
		AddedAt:      time.Now().UTC(),
		AddedBy:      "bootstrap",
	}
	if err := r.store.PutCandidate(candidate); err != nil {
		return nil, err
	}
	return candidate, nil
}
