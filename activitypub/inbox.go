package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/google/uuid"
)

// Rejection reasons reported by the inbound verifier. Verification fails
// closed: any doubt about a signature means the request is dropped.
const (
	RejectMissingSignature = "missing_signature"
	RejectMalformedRequest = "malformed_request"
	RejectDigestMismatch   = "digest_mismatch"
	RejectDateSkew         = "date_skew"
	RejectActorUnresolved  = "actor_unresolved"
	RejectBadSignature     = "bad_signature"
	RejectActorMismatch    = "actor_mismatch"
)

// InboxError carries the rejection reason alongside the cause so handlers
// can log it and metrics can count it.
type InboxError struct {
	Reason string
	Err    error
}

func (e *InboxError) Error() string {
	return fmt.Sprintf("inbox rejection (%s): %v", e.Reason, e.Err)
}

func (e *InboxError) Unwrap() error { return e.Err }

func reject(reason string, err error) *InboxError {
	metrics.InboxRejected.WithLabelValues(reason).Inc()
	return &InboxError{Reason: reason, Err: err}
}

// Inbox verifies and processes inbound federation traffic
type Inbox struct {
	database *db.DB
	resolver *Resolver
	engine   *DeliveryEngine
	iri      IRIBuilder
}

func NewInbox(database *db.DB, resolver *Resolver, engine *DeliveryEngine, iri IRIBuilder) *Inbox {
	return &Inbox{
		database: database,
		resolver: resolver,
		engine:   engine,
		iri:      iri,
	}
}

// Verify authenticates an inbound request against the signing actor's
// published key. The digest check runs first: a body that does not match its
// Digest header is rejected no matter what the signature says. When the
// signature fails against a cached key, the actor is refreshed once to pick
// up rotated keys before the request is finally rejected.
func (ib *Inbox) Verify(req *http.Request, body []byte) (*domain.RemoteAccount, error) {
	sigHeader := req.Header.Get("Signature")
	if sigHeader == "" {
		return nil, reject(RejectMissingSignature, fmt.Errorf("no signature header"))
	}

	digest := req.Header.Get("Digest")
	if digest == "" || digest != DigestBody(body) {
		return nil, reject(RejectDigestMismatch, fmt.Errorf("digest header does not match body"))
	}

	if err := CheckDate(req.Header.Get("Date"), time.Now()); err != nil {
		return nil, reject(RejectDateSkew, err)
	}

	keyId, err := ExtractKeyId(sigHeader)
	if err != nil {
		return nil, reject(RejectMalformedRequest, err)
	}

	actorURI := ActorURIFromKeyId(keyId)
	actor, err := ib.resolver.Resolve(actorURI)
	if err != nil {
		return nil, reject(RejectActorUnresolved, err)
	}

	if _, err := VerifyRequest(req, actor.PublicKeyPem); err != nil {
		// Cached key may be stale after a key rotation; refresh and retry once
		fresh, refreshErr := ib.resolver.Refresh(actorURI)
		if refreshErr != nil {
			return nil, reject(RejectBadSignature, err)
		}
		if _, err := VerifyRequest(req, fresh.PublicKeyPem); err != nil {
			return nil, reject(RejectBadSignature, err)
		}
		actor = fresh
	}

	return actor, nil
}

// inboundActivity is the envelope shape shared by all inbound activities.
// Object stays raw because its shape depends on the activity type.
type inboundActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// inboundObject covers the embedded-object forms (Follow inside Undo/Accept,
// Note inside Create/Update, Tombstone inside Delete)
type inboundObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Actor        string `json:"actor"`
	Object       string `json:"object"`
	Content      string `json:"content"`
	AttributedTo string `json:"attributedTo"`
	InReplyTo    string `json:"inReplyTo"`
}

// Process dispatches a verified activity to its handler. The signing actor
// must match the activity's actor field; duplicate activity ids are dropped
// silently so redelivered activities stay idempotent.
func (ib *Inbox) Process(actor *domain.RemoteAccount, body []byte) error {
	var act inboundActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return reject(RejectMalformedRequest, fmt.Errorf("failed to parse activity: %w", err))
	}
	if act.ID == "" || act.Type == "" {
		return reject(RejectMalformedRequest, fmt.Errorf("activity missing id or type"))
	}
	if act.Actor != "" && act.Actor != actor.ActorURI {
		return reject(RejectActorMismatch,
			fmt.Errorf("activity actor %s does not match signer %s", act.Actor, actor.ActorURI))
	}

	if err, existing := ib.database.ReadActivityByURI(act.ID); err == nil && existing != nil {
		log.Printf("Inbox: Duplicate activity %s, ignoring", act.ID)
		return nil
	}

	var err error
	switch act.Type {
	case "Follow":
		err = ib.handleFollow(actor, &act)
	case "Undo":
		err = ib.handleUndo(actor, &act)
	case "Create":
		err = ib.handleCreate(actor, &act, body)
	case "Like":
		err = ib.handleLike(actor, &act)
	case "Announce":
		err = ib.handleAnnounce(actor, &act, body)
	case "Accept":
		err = ib.handleAccept(&act)
	case "Update":
		err = ib.handleUpdate(actor, &act, body)
	case "Delete":
		err = ib.handleDelete(actor, &act)
	default:
		log.Printf("Inbox: Ignoring unsupported activity type %s from %s", act.Type, actor.ActorURI)
		return nil
	}

	if err != nil {
		return err
	}
	metrics.InboxAccepted.WithLabelValues(act.Type).Inc()
	return nil
}

// handleFollow stores the relationship and queues an Accept back to the
// follower's inbox
func (ib *Inbox) handleFollow(actor *domain.RemoteAccount, act *inboundActivity) error {
	targetURI := objectURI(act.Object)
	err, local := ib.database.ReadAccByUsername(extractUsername(targetURI))
	if err != nil || local == nil {
		return fmt.Errorf("follow target not found: %s", targetURI)
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       actor.Id,
		TargetAccountId: local.Id,
		URI:             act.ID,
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := ib.database.CreateFollow(follow); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}
	ib.recordActivity(act, actor, targetURI)

	accept := RenderAccept(uuid.New().String(), local.Username, actor.ActorURI, act.ID, ib.iri)
	if err := ib.engine.Enqueue(accept, local, []string{actor.InboxURI}); err != nil {
		return fmt.Errorf("failed to queue accept: %w", err)
	}

	log.Printf("Inbox: %s now follows %s", actor.ActorURI, local.Username)
	return nil
}

func (ib *Inbox) handleUndo(actor *domain.RemoteAccount, act *inboundActivity) error {
	var inner inboundObject
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		return fmt.Errorf("failed to parse undo object: %w", err)
	}

	switch inner.Type {
	case "Follow":
		if err := ib.database.DeleteFollowByURI(inner.ID); err != nil {
			return fmt.Errorf("failed to remove follow: %w", err)
		}
		log.Printf("Inbox: %s unfollowed via %s", actor.ActorURI, inner.ID)
	case "Like":
		if err := ib.database.DeleteLikeByURI(inner.ID); err != nil {
			return fmt.Errorf("failed to remove like: %w", err)
		}
	case "Announce":
		if err := ib.database.MarkActivityDeleted(inner.ID); err != nil {
			return fmt.Errorf("failed to retract announce: %w", err)
		}
	default:
		log.Printf("Inbox: Ignoring undo of unsupported type %s", inner.Type)
		return nil
	}

	ib.recordActivity(act, actor, inner.ID)
	return nil
}

// handleCreate accepts new remote notes from accounts with an established
// relationship to someone local
func (ib *Inbox) handleCreate(actor *domain.RemoteAccount, act *inboundActivity, raw []byte) error {
	var note inboundObject
	if err := json.Unmarshal(act.Object, &note); err != nil {
		return fmt.Errorf("failed to parse created object: %w", err)
	}
	if note.ID == "" {
		return fmt.Errorf("created object missing id")
	}

	if err, existing := ib.database.ReadActivityByObjectURI(note.ID); err == nil && existing != nil {
		log.Printf("Inbox: Object %s already known, ignoring", note.ID)
		return nil
	}

	// only accept notes from actors somebody local follows
	err, followers := ib.database.ReadFollowersOfAccount(actor.Id)
	if err != nil || followers == nil || len(*followers) == 0 {
		log.Printf("Inbox: No follow relationship with %s, dropping note", actor.ActorURI)
		return nil
	}

	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: act.Type,
		ActorURI:     actor.ActorURI,
		ObjectURI:    note.ID,
		RawJSON:      string(raw),
		Processed:    true,
		CreatedAt:    time.Now(),
	}
	if err := ib.database.CreateActivity(activity); err != nil {
		return fmt.Errorf("failed to store activity: %w", err)
	}

	log.Printf("Inbox: Stored note %s from %s", note.ID, actor.ActorURI)
	return nil
}

func (ib *Inbox) handleLike(actor *domain.RemoteAccount, act *inboundActivity) error {
	noteURI := objectURI(act.Object)
	err, note := ib.database.ReadNoteByObjectURI(noteURI)
	if err != nil || note == nil {
		return fmt.Errorf("liked note not found: %s", noteURI)
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: actor.Id,
		NoteId:    note.Id,
		URI:       act.ID,
		CreatedAt: time.Now(),
	}
	if err := ib.database.CreateLike(like); err != nil {
		return fmt.Errorf("failed to store like: %w", err)
	}
	ib.recordActivity(act, actor, noteURI)

	log.Printf("Inbox: %s liked %s", actor.ActorURI, noteURI)
	return nil
}

func (ib *Inbox) handleAnnounce(actor *domain.RemoteAccount, act *inboundActivity, raw []byte) error {
	noteURI := objectURI(act.Object)
	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: act.Type,
		ActorURI:     actor.ActorURI,
		ObjectURI:    noteURI,
		RawJSON:      string(raw),
		Processed:    true,
		CreatedAt:    time.Now(),
	}
	if err := ib.database.CreateActivity(activity); err != nil {
		return fmt.Errorf("failed to store announce: %w", err)
	}

	log.Printf("Inbox: %s boosted %s", actor.ActorURI, noteURI)
	return nil
}

// handleAccept marks an outbound follow as accepted by the remote side
func (ib *Inbox) handleAccept(act *inboundActivity) error {
	var inner inboundObject
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		// object may be a bare follow URI
		inner.ID = objectURI(act.Object)
	}
	if inner.ID == "" {
		return fmt.Errorf("accept missing follow reference")
	}

	if err := ib.database.AcceptFollowByURI(inner.ID); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	log.Printf("Inbox: Follow %s accepted", inner.ID)
	return nil
}

// handleUpdate refreshes the actor cache for profile updates and replaces the
// stored copy for edited notes
func (ib *Inbox) handleUpdate(actor *domain.RemoteAccount, act *inboundActivity, raw []byte) error {
	var obj inboundObject
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse updated object: %w", err)
	}

	switch obj.Type {
	case "Person", "Service", "Application":
		if _, err := ib.resolver.Refresh(actor.ActorURI); err != nil {
			return fmt.Errorf("failed to refresh actor: %w", err)
		}
		log.Printf("Inbox: Refreshed profile of %s", actor.ActorURI)
	default:
		err, existing := ib.database.ReadActivityByObjectURI(obj.ID)
		if err != nil || existing == nil {
			log.Printf("Inbox: Update for unknown object %s, ignoring", obj.ID)
			return nil
		}
		existing.RawJSON = string(raw)
		if err := ib.database.UpdateActivity(existing); err != nil {
			return fmt.Errorf("failed to update activity: %w", err)
		}
		log.Printf("Inbox: Updated object %s", obj.ID)
	}
	return nil
}

// handleDelete erases the actor when they delete themselves, otherwise
// tombstones the referenced object
func (ib *Inbox) handleDelete(actor *domain.RemoteAccount, act *inboundActivity) error {
	targetURI := objectURI(act.Object)

	if targetURI == actor.ActorURI {
		if err := ib.database.DeleteFollowsByRemoteAccountId(actor.Id); err != nil {
			return fmt.Errorf("failed to remove follows: %w", err)
		}
		if err := ib.database.DeleteRemoteAccount(actor.Id); err != nil {
			return fmt.Errorf("failed to remove account: %w", err)
		}
		log.Printf("Inbox: Erased deleted actor %s", actor.ActorURI)
		return nil
	}

	err, existing := ib.database.ReadActivityByObjectURI(targetURI)
	if err != nil || existing == nil {
		log.Printf("Inbox: Delete for unknown object %s, ignoring", targetURI)
		return nil
	}
	if err := ib.database.MarkActivityDeleted(existing.ActivityURI); err != nil {
		return fmt.Errorf("failed to tombstone object: %w", err)
	}

	log.Printf("Inbox: Tombstoned %s", targetURI)
	return nil
}

// recordActivity logs a processed activity for deduplication
func (ib *Inbox) recordActivity(act *inboundActivity, actor *domain.RemoteAccount, objURI string) {
	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: act.Type,
		ActorURI:     actor.ActorURI,
		ObjectURI:    objURI,
		Processed:    true,
		CreatedAt:    time.Now(),
	}
	if err := ib.database.CreateActivity(activity); err != nil {
		log.Printf("Inbox: Failed to record activity %s: %v", act.ID, err)
	}
}

// objectURI returns the object reference whether it is a bare URI string or
// an embedded object with an id
func objectURI(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
