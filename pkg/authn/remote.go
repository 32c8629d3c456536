package authn

import (
	"context"
	"fmt"
	"strings"

	"github.com/todolane/todolane/pkg/identity"
)

// UserLookup is the provider operation the remote verifier depends on.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (*identity.User, error)
}

// RemoteVerifier delegates every check to the identity provider.
type RemoteVerifier struct {
	users UserLookup
}

func NewRemoteVerifier(users UserLookup) *RemoteVerifier {
	return &RemoteVerifier{users: users}
}

// Verify collapses network failures, provider rejections and empty replies
// into ErrUnauthorized. The wrapped cause is for logs only.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	u, err := v.users.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return nil, fmt.Errorf("%w: provider returned no user", ErrUnauthorized)
	}
	return &Principal{UserID: u.ID, Email: u.Email, Role: u.Role}, nil
}
