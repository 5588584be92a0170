package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Gate admits or rejects connection credentials. It never retries.
type Gate struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewGate returns a gate that re-verifies every credential against verifier.
func NewGate(verifier Verifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, logger: logger.With("component", "auth-gate")}
}

// Authenticate verifies credential. Credential problems are returned as *Error
// carrying the close code; verifier outages are returned unwrapped from *Error.
func (g *Gate) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, missingCredential()
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			g.logger.Debug("credential rejected", "error", err)
			return Identity{}, invalidCredential(err)
		}
		return Identity{}, fmt.Errorf("verify credential: %w", err)
	}

	if strings.TrimSpace(identity.UserID) == "" || !identity.Role.Valid() {
		return Identity{}, invalidCredential(fmt.Errorf("identity %q has role %q", identity.UserID, identity.Role))
	}
	if !identity.Active() {
		g.logger.Info("inactive account rejected", "user_id", identity.UserID, "status", identity.Status)
		return Identity{}, accountInactive(identity.Status)
	}
	return identity, nil
}
