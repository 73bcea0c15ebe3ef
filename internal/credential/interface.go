package credential

import (
	"context"
	"errors"
)

// ErrNoCredential means no credential is available; authentication is skipped.
var ErrNoCredential = errors.New("no credential available")

// Provider supplies the token used in the authentication handshake. It is
// called lazily, once per successful connect.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// IdentityProvider is a Provider that can also describe the user behind the
// token. Credential returns both from a single lookup; claims are nil for
// opaque tokens.
type IdentityProvider interface {
	Provider
	Credential(ctx context.Context) (string, *Claims, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static returns a provider for a fixed token. An empty token yields ErrNoCredential.
func Static(token string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// None is a provider that never has a credential.
var None Provider = Static("")
