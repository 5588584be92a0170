package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Directory reports the authoritative role and status of a user.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// UserConfig seeds a MemoryDirectory from configuration.
type UserConfig struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role"`
	Status string `yaml:"status"`
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Identity
}

// NewMemoryDirectory builds a directory from static entries. Entries with an
// unknown role are rejected; an empty status means active.
func NewMemoryDirectory(users []UserConfig) (*MemoryDirectory, error) {
	d := &MemoryDirectory{users: make(map[string]Identity, len(users))}
	for _, u := range users {
		role, err := ParseRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.ID, err)
		}
		status := Status(strings.ToLower(strings.TrimSpace(u.Status)))
		if status == "" {
			status = StatusActive
		}
		d.Put(Identity{UserID: strings.TrimSpace(u.ID), Role: role, Status: status})
	}
	return d, nil
}

// Put inserts or replaces a user.
func (d *MemoryDirectory) Put(identity Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[identity.UserID] = identity
}

// SetStatus changes a user's status.
func (d *MemoryDirectory) SetStatus(userID string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	identity.Status = status
	d.users[userID] = identity
	return nil
}

// Lookup implements Directory.
func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	identity, ok := d.users[userID]
	if !ok {
		return Identity{}, ErrUnknownUser
	}
	return identity, nil
}

// SQLDirectory reads users from the relational store owned by the CRUD layer.
type SQLDirectory struct {
	db    *sql.DB
	query string
}

// NewSQLDirectory returns a directory over db. driver selects the placeholder
// style ("postgres" uses $1, anything else uses ?).
func NewSQLDirectory(db *sql.DB, driver string) *SQLDirectory {
	placeholder := "?"
	if driver == "postgres" {
		placeholder = "$1"
	}
	return &SQLDirectory{
		db:    db,
		query: "SELECT role, status FROM users WHERE id = " + placeholder,
	}
}

// Lookup implements Directory.
func (d *SQLDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	var roleName, statusName string
	err := d.db.QueryRowContext(ctx, d.query, userID).Scan(&roleName, &statusName)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, fmt.Errorf("query user: %w", err)
	}
	role, err := ParseRole(roleName)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return Identity{
		UserID: userID,
		Role:   role,
		Status: Status(strings.ToLower(strings.TrimSpace(statusName))),
	}, nil
}
