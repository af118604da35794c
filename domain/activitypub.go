package domain

import (
	"github.com/google/uuid"
	"time"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	PublicKeyPem   string
	LastFetchedAt  time.Time
}

// Follow represents a follow relationship
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // Can be local or remote account
	TargetAccountId uuid.UUID // Can be local or remote account
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like/favorite on a note
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Deleted      bool // tombstoned; pending deliveries are skipped at dequeue
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryState is the lifecycle state of a DeliveryAttempt
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryDead      DeliveryState = "dead"
)

// DeliveryAttempt represents one activity bound for one remote inbox.
// Unique per (activity_uri, inbox_uri); terminal states are delivered or dead.
type DeliveryAttempt struct {
	Id           uuid.UUID
	ActivityURI  string
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	SenderId     uuid.UUID
	Attempts     int
	NextRetryAt  time.Time
	LastError    string
	State        DeliveryState
	CreatedAt    time.Time
}
