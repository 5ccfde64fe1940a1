// Package auth holds principals, permissions and API key issuance for
// callers of the HTTP API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"tributary/internal/domain"
	"tributary/internal/repo"
)

const (
	PermRead             = "read"
	PermTablesWrite      = "tables.write"
	PermExecutionsRecord = "executions.record"
	PermSchedulesRun     = "schedules.run"
	PermApprovalsReview  = "approvals.review"
	PermAdmin            = "admin"
)

// MachinePermissions are granted to API key callers: pipelines recording
// executions and external schedulers firing and finishing schedules.
// Reviewing approvals needs a human principal.
var MachinePermissions = []string{PermRead, PermExecutionsRecord, PermSchedulesRun}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Principal struct {
	ActorID     string
	Permissions []string
	Source      string
}

func (p Principal) Can(perm string) bool {
	return slices.Contains(p.Permissions, PermAdmin) || slices.Contains(p.Permissions, perm)
}

func (p Principal) Require(perm string) error {
	if p.Can(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

const keyPrefix = "trib_"

// Service issues and verifies API keys. Only the SHA-256 of a key is stored.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

type IssuedKey struct {
	domain.APIKey
	// Key is the secret, shown once.
	Key string `json:"key"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) IssueAPIKey(ctx context.Context, actorID, name string) (IssuedKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return IssuedKey{}, errors.New("actor_id required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return IssuedKey{}, fmt.Errorf("generate key: %w", err)
	}
	secret := keyPrefix + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(s.now()),
	}
	if err := s.Repo.InsertAPIKey(ctx, s.Repo.DB, k); err != nil {
		return IssuedKey{}, fmt.Errorf("store api key: %w", err)
	}
	return IssuedKey{APIKey: k, Key: secret}, nil
}

// Authenticate resolves a presented key to its machine principal.
func (s Service) Authenticate(ctx context.Context, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	k, err := s.Repo.GetAPIKeyByHash(ctx, s.Repo.DB, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: k.ActorID, Permissions: MachinePermissions, Source: "api_key"}, nil
}

func (s Service) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, s.Repo.DB, actorID)
}

func (s Service) RevokeAPIKey(ctx context.Context, id string) error {
	return s.Repo.DeleteAPIKey(ctx, s.Repo.DB, id)
}
