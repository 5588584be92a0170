package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Verifier maps an opaque bearer credential to a verified identity.
// Implementations return an error wrapping ErrInvalidCredential when the
// credential itself is bad; any other error is treated as an outage.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// APIKeyConfig declares a static API key for service callers.
type APIKeyConfig struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type apiKeyEntry struct {
	key      []byte
	identity Identity
}

// APIKeys verifies static service keys using constant-time comparison.
type APIKeys struct {
	entries []apiKeyEntry
}

// NewAPIKeys builds a key set. Keys without a role act as admin.
func NewAPIKeys(keys []APIKeyConfig) *APIKeys {
	out := &APIKeys{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		role, err := ParseRole(entry.Role)
		if err != nil {
			role = RoleAdmin
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = "service"
		}
		out.entries = append(out.entries, apiKeyEntry{
			key:      []byte(key),
			identity: Identity{UserID: "svc:" + name, Role: role, Status: StatusActive},
		})
	}
	return out
}

// Enabled reports whether any key is configured.
func (k *APIKeys) Enabled() bool {
	return k != nil && len(k.entries) > 0
}

// Verify implements Verifier. Every entry is compared so timing does not
// depend on which key matched.
func (k *APIKeys) Verify(_ context.Context, credential string) (Identity, error) {
	if !k.Enabled() {
		return Identity{}, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(credential))
	var matched *Identity
	for i := range k.entries {
		if subtle.ConstantTimeCompare(input, k.entries[i].key) == 1 {
			matched = &k.entries[i].identity
		}
	}
	if matched == nil {
		return Identity{}, ErrInvalidCredential
	}
	return *matched, nil
}

// CredentialFromRequest extracts a bearer credential from the Authorization
// header or the token/access_token query parameters.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	query := r.URL.Query()
	if token := strings.TrimSpace(query.Get("token")); token != "" {
		return token
	}
	return strings.TrimSpace(query.Get("access_token"))
}

// BearerToken returns the token of a "Bearer <token>" header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
