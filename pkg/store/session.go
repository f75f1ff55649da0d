package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultIdentityKey = "user"
	AuthTokenKey       = "authToken"
	ServiceStatusKey   = "backgroundServiceStatus"
)

// ErrNoIdentity means no signed-in user is stored, or the stored record has no
// profile id.
var ErrNoIdentity = errors.New("no stored identity")

// ServiceStatus is the persisted snapshot of the background runner.
type ServiceStatus struct {
	Running           bool      `json:"running"`
	SocketConnected   bool      `json:"socketConnected"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type userRecord struct {
	Profile struct {
		ID string `json:"_id"`
	} `json:"profile"`
}

// SessionStore reads the signed-in identity and keeps runner status.
type SessionStore struct {
	kv          KV
	identityKey string
}

func NewSessionStore(kv KV, identityKey string) *SessionStore {
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		identityKey = DefaultIdentityKey
	}
	return &SessionStore{kv: kv, identityKey: identityKey}
}

// CurrentIdentity returns the stored profile id. Absent, unparsable or empty
// records all yield ErrNoIdentity; backend failures are returned wrapped.
func (s *SessionStore) CurrentIdentity(ctx context.Context) (string, error) {
	raw, err := s.kv.Get(ctx, s.identityKey)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoIdentity
	}
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}

	var record userRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", fmt.Errorf("%w: malformed user record", ErrNoIdentity)
	}
	id := strings.TrimSpace(record.Profile.ID)
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// SetIdentity stores a minimal user record for profileID.
func (s *SessionStore) SetIdentity(ctx context.Context, profileID string) error {
	var record userRecord
	record.Profile.ID = strings.TrimSpace(profileID)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	return s.kv.Set(ctx, s.identityKey, string(payload))
}

// AuthToken returns the stored bearer token, or "" when none is set.
func (s *SessionStore) AuthToken(ctx context.Context) (string, error) {
	token, err := s.kv.Get(ctx, AuthTokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read auth token: %w", err)
	}
	return strings.TrimSpace(token), nil
}

// SetAuthToken stores token; an empty token removes it.
func (s *SessionStore) SetAuthToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.kv.Delete(ctx, AuthTokenKey)
	}
	return s.kv.Set(ctx, AuthTokenKey, token)
}

// ClearIdentity signs the device out. The next connect attempt finds no
// identity and skips dialing.
func (s *SessionStore) ClearIdentity(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.identityKey); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return s.SetAuthToken(ctx, "")
}

func (s *SessionStore) SaveStatus(ctx context.Context, status ServiceStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode service status: %w", err)
	}
	return s.kv.Set(ctx, ServiceStatusKey, string(payload))
}

// LoadStatus returns the last saved status; a missing record is the zero value.
func (s *SessionStore) LoadStatus(ctx context.Context) (ServiceStatus, error) {
	var status ServiceStatus
	raw, err := s.kv.Get(ctx, ServiceStatusKey)
	if errors.Is(err, ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("read service status: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return ServiceStatus{}, fmt.Errorf("decode service status: %w", err)
	}
	return status, nil
}
