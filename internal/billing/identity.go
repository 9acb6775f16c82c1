package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// identityDomain is the address space billing identities live in. Account
// emails are minted as {userId}_{companyId}@ this domain.
const identityDomain = "flashlabs.ai"

// Identity is the billing principal of an account.
type Identity struct {
	UserID    string
	CompanyID string
}

// EmailLookup resolves an account id to its email address.
type EmailLookup interface {
	GetUserEmail(ctx context.Context, accountID string) (string, error)
}

// EmailLookupFunc adapts a function to EmailLookup.
type EmailLookupFunc func(ctx context.Context, accountID string) (string, error)

func (f EmailLookupFunc) GetUserEmail(ctx context.Context, accountID string) (string, error) {
	return f(ctx, accountID)
}

const identityCacheTTL = 5 * time.Minute

// IdentityResolver maps account ids to billing identities, caching results
// for a few minutes so the lookup is not on every hot path.
type IdentityResolver struct {
	lookup EmailLookup
	cache  *expirable.LRU[string, Identity]
}

func NewIdentityResolver(lookup EmailLookup) *IdentityResolver {
	return &IdentityResolver{
		lookup: lookup,
		cache:  expirable.NewLRU[string, Identity](1024, nil, identityCacheTTL),
	}
}

// Resolve returns the billing identity for an account id.
func (r *IdentityResolver) Resolve(ctx context.Context, accountID string) (Identity, error) {
	if id, ok := r.cache.Get(accountID); ok {
		return id, nil
	}

	email, err := r.lookup.GetUserEmail(ctx, accountID)
	if err != nil {
		return Identity{}, fmt.Errorf("look up email for account %s: %w", accountID, err)
	}

	id, err := ParseIdentity(email)
	if err != nil {
		return Identity{}, err
	}

	r.cache.Add(accountID, id)
	return id, nil
}

// ParseIdentity extracts the user and company ids from a billing email of
// the form {userId}_{companyId}@flashlabs.ai.
func ParseIdentity(email string) (Identity, error) {
	local, domain, found := strings.Cut(email, "@")
	if !found || domain != identityDomain {
		return Identity{}, fmt.Errorf("email %q is not a billing identity", email)
	}

	// Company id is the part after the last underscore; user ids may
	// themselves contain underscores.
	i := strings.LastIndex(local, "_")
	if i <= 0 || i == len(local)-1 {
		return Identity{}, fmt.Errorf("email %q has no user/company separator", email)
	}
	return Identity{UserID: local[:i], CompanyID: local[i+1:]}, nil
}
