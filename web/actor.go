package web

import (
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
)

// actorResponse is the actor document served for local accounts. Typed so
// the output shape never depends on hand-built JSON strings.
type actorResponse struct {
	Context                   []string       `json:"@context"`
	ID                        string         `json:"id"`
	Type                      string         `json:"type"`
	PreferredUsername         string         `json:"preferredUsername"`
	Name                      string         `json:"name"`
	Summary                   string         `json:"summary"`
	Inbox                     string         `json:"inbox"`
	Outbox                    string         `json:"outbox"`
	Followers                 string         `json:"followers"`
	Following                 string         `json:"following"`
	Devices                   string         `json:"devices"`
	URL                       string         `json:"url"`
	ManuallyApprovesFollowers bool           `json:"manuallyApprovesFollowers"`
	Discoverable              bool           `json:"discoverable"`
	Endpoints                 actorEndpoints `json:"endpoints"`
	PublicKey                 actorPublicKey `json:"publicKey"`
}

type actorEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorPublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// GetActor builds the actor document for a local account
func GetActor(database *db.DB, actor string, iri activitypub.IRIBuilder) (error, *actorResponse) {
	err, acc := database.ReadAccByUsername(actor)
	if err != nil || acc == nil {
		return fmt.Errorf("account not found: %s", actor), nil
	}

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	actorURI := iri.Actor(acc.Username)
	return nil, &actorResponse{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             iri.Inbox(acc.Username),
		Outbox:            iri.Outbox(acc.Username),
		Followers:         iri.Followers(acc.Username),
		Following:         iri.Following(acc.Username),
		Devices:           iri.DeviceCollection(acc.Username),
		URL:               actorURI,
		Discoverable:      true,
		Endpoints: actorEndpoints{
			SharedInbox: iri.SharedInbox(),
		},
		PublicKey: actorPublicKey{
			ID:           iri.KeyId(acc.Username),
			Owner:        actorURI,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
}
