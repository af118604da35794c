package domain

import (
	"github.com/google/uuid"
	"time"
)

// Device belongs to exactly one local account and holds the long-lived
// identity key used for end-to-end encrypted sessions.
type Device struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	DeviceId       string // client-chosen identifier, unique per account
	Name           string
	IdentityKey    string // base64 public identity key
	FingerprintKey string // base64 public fingerprint key
	CreatedAt      time.Time
}

// OneTimeKey is a single-use pre-key. It is deleted in the same transaction
// that selects it, so at most one claimant ever receives it.
type OneTimeKey struct {
	Id        uuid.UUID
	DeviceId  uuid.UUID
	KeyId     string
	Key       string // base64 public key
	Signature string // base64 signature by the device identity key
	CreatedAt time.Time
}
