// Package keys implements the device and one-time-key exchange used to
// bootstrap end-to-end encrypted sessions between federated accounts. Keys
// are X25519; the server only ever stores and relays public halves.
package keys

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// DeviceDocument is the wire shape of one device in a device collection
type DeviceDocument struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	DeviceId       string      `json:"deviceId"`
	Name           string      `json:"name"`
	ClaimURL       string      `json:"claim"`
	IdentityKey    KeyDocument `json:"identityKey"`
	FingerprintKey KeyDocument `json:"fingerprintKey"`
}

type KeyDocument struct {
	Type            string `json:"type"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

// DeviceCollection is the wire shape of an actor's device collection
type DeviceCollection struct {
	Context    interface{}      `json:"@context,omitempty"`
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	TotalItems int              `json:"totalItems"`
	Items      []DeviceDocument `json:"items"`
}

// ClaimRequest is the body POSTed to a claim endpoint
type ClaimRequest struct {
	ID string `json:"id"` // device id
}

// ClaimedKey is the wire shape of a claimed one-time key
type ClaimedKey struct {
	ID              string        `json:"id"` // key id
	Type            string        `json:"type"`
	PublicKeyBase64 string        `json:"publicKeyBase64"`
	Signature       *KeySignature `json:"signature,omitempty"`
}

type KeySignature struct {
	Type           string `json:"type"`
	SignatureValue string `json:"signatureValue"`
}

// Service manages local device registrations and queries or claims keys from
// remote actors. Every remote failure, whatever its transport-level cause,
// surfaces as NotFound: a key that cannot be obtained does not exist as far
// as session setup is concerned.
type Service struct {
	database *db.DB
	resolver *activitypub.Resolver
	iri      activitypub.IRIBuilder
}

func NewService(database *db.DB, resolver *activitypub.Resolver, iri activitypub.IRIBuilder) *Service {
	return &Service{
		database: database,
		resolver: resolver,
		iri:      iri,
	}
}

// RegisterDevice stores a device for a local account
func (s *Service) RegisterDevice(account *domain.Account, deviceId, name, identityKey, fingerprintKey string) (*domain.Device, error) {
	device := &domain.Device{
		Id:             uuid.New(),
		AccountId:      account.Id,
		DeviceId:       deviceId,
		Name:           name,
		IdentityKey:    identityKey,
		FingerprintKey: fingerprintKey,
		CreatedAt:      time.Now(),
	}
	if err := s.database.CreateDevice(device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return device, nil
}

// AddOneTimeKeys uploads a batch of pre-keys for a device
func (s *Service) AddOneTimeKeys(device *domain.Device, uploads []ClaimedKey) error {
	for _, upload := range uploads {
		key := &domain.OneTimeKey{
			Id:        uuid.New(),
			DeviceId:  device.Id,
			KeyId:     upload.ID,
			Key:       upload.PublicKeyBase64,
			CreatedAt: time.Now(),
		}
		if upload.Signature != nil {
			key.Signature = upload.Signature.SignatureValue
		}
		if err := s.database.CreateOneTimeKey(key); err != nil {
			return fmt.Errorf("failed to store one-time key %s: %w", upload.ID, err)
		}
	}
	return nil
}

// LocalDevices renders the device collection for a local account
func (s *Service) LocalDevices(account *domain.Account) (*DeviceCollection, error) {
	err, devices := s.database.ReadDevicesByAccountId(account.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}

	collection := &DeviceCollection{
		Context: activitypub.ActivityStreamsContext,
		ID:      s.iri.DeviceCollection(account.Username),
		Type:    "Collection",
	}
	if devices == nil {
		return collection, nil
	}

	for _, device := range *devices {
		collection.Items = append(collection.Items, DeviceDocument{
			ID:       collection.ID + "#" + device.DeviceId,
			Type:     "Device",
			DeviceId: device.DeviceId,
			Name:     device.Name,
			ClaimURL: s.iri.Claim(account.Username),
			IdentityKey: KeyDocument{
				Type:            "Curve25519Key",
				PublicKeyBase64: device.IdentityKey,
			},
			FingerprintKey: KeyDocument{
				Type:            "Ed25519Key",
				PublicKeyBase64: device.FingerprintKey,
			},
		})
	}
	collection.TotalItems = len(collection.Items)
	return collection, nil
}

// QueryDevices fetches a remote actor's device collection. Any failure along
// the way degrades to NotFound.
func (s *Service) QueryDevices(actorURI string) (*DeviceCollection, error) {
	remote, err := s.resolver.Resolve(actorURI)
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to resolve %s: %w", actorURI, err))
	}

	collectionURI := remote.ActorURI + "/collections/devices"
	var collection DeviceCollection
	if err := s.resolver.FetchDocument(collectionURI, &collection); err != nil {
		return nil, notFound(fmt.Errorf("failed to fetch device collection: %w", err))
	}
	return &collection, nil
}

// ClaimLocal atomically claims one pre-key from a local account's device.
// Exhausted devices report NotFound.
func (s *Service) ClaimLocal(account *domain.Account, deviceId string) (*ClaimedKey, error) {
	err, device := s.database.ReadDeviceByDeviceId(account.Id, deviceId)
	if err != nil || device == nil {
		return nil, notFound(fmt.Errorf("device %s not found", deviceId))
	}

	err, key := s.database.ClaimOneTimeKey(device.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(fmt.Errorf("device %s has no keys left", deviceId))
		}
		return nil, fmt.Errorf("failed to claim key: %w", err)
	}

	claimed := &ClaimedKey{
		ID:              key.KeyId,
		Type:            "Curve25519Key",
		PublicKeyBase64: key.Key,
	}
	if key.Signature != "" {
		claimed.Signature = &KeySignature{
			Type:           "Ed25519Signature",
			SignatureValue: key.Signature,
		}
	}

	log.Printf("Keys: Claimed key %s from device %s", key.KeyId, deviceId)
	return claimed, nil
}

// checkClaimURL rejects claim endpoints that could redirect the signed POST
// somewhere other than a plain http(s) origin
func checkClaimURL(claimURL string) error {
	parsed, err := url.Parse(claimURL)
	if err != nil {
		return fmt.Errorf("invalid claim url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("claim url has unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("claim url has no host")
	}
	return nil
}

func notFound(err error) error {
	return activitypub.NewError(activitypub.KindNotFound, err)
}

// GenerateOneTimeKey produces a fresh X25519 keypair, returning the base64
// public half as an uploadable key and the private half for the caller.
func GenerateOneTimeKey(keyId string) (ClaimedKey, []byte, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return ClaimedKey{}, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return ClaimedKey{}, nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return ClaimedKey{
		ID:              keyId,
		Type:            "Curve25519Key",
		PublicKeyBase64: base64.StdEncoding.EncodeToString(public),
	}, private, nil
}
