package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/domain"
)

const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// IRIBuilder derives the canonical URIs for local entities from the
// configured domain
type IRIBuilder struct {
	Domain string
}

func (b IRIBuilder) Actor(username string) string {
	return fmt.Sprintf("https://%s/users/%s", b.Domain, username)
}

func (b IRIBuilder) Inbox(username string) string {
	return b.Actor(username) + "/inbox"
}

func (b IRIBuilder) Outbox(username string) string {
	return b.Actor(username) + "/outbox"
}

func (b IRIBuilder) Followers(username string) string {
	return b.Actor(username) + "/followers"
}

func (b IRIBuilder) Following(username string) string {
	return b.Actor(username) + "/following"
}

func (b IRIBuilder) SharedInbox() string {
	return fmt.Sprintf("https://%s/inbox", b.Domain)
}

func (b IRIBuilder) Note(id string) string {
	return fmt.Sprintf("https://%s/notes/%s", b.Domain, id)
}

// NoteActivity returns the activity URI for a note; derived from the note id
// so rendering stays deterministic
func (b IRIBuilder) NoteActivity(id string) string {
	return b.Note(id) + "/activity"
}

func (b IRIBuilder) Activity(id string) string {
	return fmt.Sprintf("https://%s/activities/%s", b.Domain, id)
}

func (b IRIBuilder) DeviceCollection(username string) string {
	return b.Actor(username) + "/collections/devices"
}

func (b IRIBuilder) Claim(username string) string {
	return b.Actor(username) + "/claim"
}

func (b IRIBuilder) KeyId(username string) string {
	return b.Actor(username) + "#main-key"
}

// NoteObject is the Note-shaped object wrapped by a Create
type NoteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Summary      string   `json:"summary,omitempty"`
	Sensitive    bool     `json:"sensitive,omitempty"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	Published    string   `json:"published"`
	Updated      string   `json:"updated,omitempty"`
	To           []string `json:"to"`
	Cc           []string `json:"cc,omitempty"`
}

// ActivityDocument is a typed, renderable activity envelope. Object is
// either a *NoteObject, a nested *ActivityDocument, or a plain URI string.
type ActivityDocument struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Published string      `json:"published,omitempty"`
	To        []string    `json:"to,omitempty"`
	Cc        []string    `json:"cc,omitempty"`
	Object    interface{} `json:"object,omitempty"`
}

// Marshal renders the document as JSON. Field order is fixed by the struct,
// so identical input state yields byte-identical output.
func (doc *ActivityDocument) Marshal() ([]byte, error) {
	return json.Marshal(doc)
}

// audience returns the to/cc lists a note's visibility allows. Direct and
// limited notes address mentioned actors only; the public collection never
// appears for anything below unlisted.
func audience(note *domain.Note, b IRIBuilder) (to []string, cc []string) {
	followers := b.Followers(note.CreatedBy)
	switch note.Visibility {
	case domain.VisibilityPublic:
		return []string{PublicAudience}, append([]string{followers}, note.Mentions...)
	case domain.VisibilityUnlisted:
		return []string{followers}, append([]string{PublicAudience}, note.Mentions...)
	case domain.VisibilityPrivate:
		return []string{followers}, note.Mentions
	default: // direct, limited
		return note.Mentions, nil
	}
}

// RenderNote renders the Note object for a local note
func RenderNote(note *domain.Note, b IRIBuilder) *NoteObject {
	to, cc := audience(note, b)

	obj := &NoteObject{
		ID:           b.Note(note.Id.String()),
		Type:         "Note",
		AttributedTo: b.Actor(note.CreatedBy),
		Content:      note.Message,
		Summary:      note.ContentWarning,
		Sensitive:    note.Sensitive,
		InReplyTo:    note.InReplyToURI,
		Published:    note.CreatedAt.UTC().Format(time.RFC3339),
		To:           to,
		Cc:           cc,
	}
	if note.EditedAt != nil {
		obj.Updated = note.EditedAt.UTC().Format(time.RFC3339)
	}
	return obj
}

// RenderCreate renders the Create activity for a top-level note or reply.
// Pure function of the note state: no I/O, deterministic output.
func RenderCreate(note *domain.Note, b IRIBuilder) *ActivityDocument {
	to, cc := audience(note, b)
	return &ActivityDocument{
		Context:   ActivityStreamsContext,
		ID:        b.NoteActivity(note.Id.String()),
		Type:      "Create",
		Actor:     b.Actor(note.CreatedBy),
		Published: note.CreatedAt.UTC().Format(time.RFC3339),
		To:        to,
		Cc:        cc,
		Object:    RenderNote(note, b),
	}
}

// RenderAnnounce renders the Announce activity for a boost. The boosted
// object is referenced by URI, not embedded.
func RenderAnnounce(note *domain.Note, b IRIBuilder) *ActivityDocument {
	to, cc := audience(note, b)
	return &ActivityDocument{
		Context:   ActivityStreamsContext,
		ID:        b.NoteActivity(note.Id.String()),
		Type:      "Announce",
		Actor:     b.Actor(note.CreatedBy),
		Published: note.CreatedAt.UTC().Format(time.RFC3339),
		To:        to,
		Cc:        cc,
		Object:    note.ReblogOfURI,
	}
}

// RenderNoteActivity renders the activity a note federates as: an Announce
// when the note boosts another object, a Create otherwise.
func RenderNoteActivity(note *domain.Note, b IRIBuilder) *ActivityDocument {
	if note.ReblogOfURI != "" {
		return RenderAnnounce(note, b)
	}
	return RenderCreate(note, b)
}

// RenderAccept renders the Accept for an inbound Follow
func RenderAccept(acceptId, localUsername, remoteActorURI, followURI string, b IRIBuilder) *ActivityDocument {
	actorURI := b.Actor(localUsername)
	return &ActivityDocument{
		Context: ActivityStreamsContext,
		ID:      b.Activity(acceptId),
		Type:    "Accept",
		Actor:   actorURI,
		Object: &ActivityDocument{
			ID:     followURI,
			Type:   "Follow",
			Actor:  remoteActorURI,
			Object: actorURI,
		},
	}
}

// RenderFollow renders an outbound Follow request
func RenderFollow(followId, localUsername, remoteActorURI string, b IRIBuilder) *ActivityDocument {
	return &ActivityDocument{
		Context: ActivityStreamsContext,
		ID:      b.Activity(followId),
		Type:    "Follow",
		Actor:   b.Actor(localUsername),
		Object:  remoteActorURI,
	}
}

// RenderUndo renders an Undo wrapping an earlier activity. The original
// activity is never mutated; the Undo is a new activity referencing it.
func RenderUndo(undoId, localUsername string, inner *ActivityDocument, b IRIBuilder) *ActivityDocument {
	innerCopy := *inner
	innerCopy.Context = nil
	return &ActivityDocument{
		Context: ActivityStreamsContext,
		ID:      b.Activity(undoId),
		Type:    "Undo",
		Actor:   b.Actor(localUsername),
		Object:  &innerCopy,
	}
}

// RenderDelete renders a Delete with a Tombstone object for a removed note
func RenderDelete(deleteId, localUsername, objectURI string, b IRIBuilder) *ActivityDocument {
	return &ActivityDocument{
		Context: ActivityStreamsContext,
		ID:      b.Activity(deleteId),
		Type:    "Delete",
		Actor:   b.Actor(localUsername),
		To:      []string{PublicAudience},
		Object: map[string]string{
			"id":   objectURI,
			"type": "Tombstone",
		},
	}
}
