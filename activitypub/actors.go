package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const maxActorDocumentSize = 1 << 20 // 1 MB

const userAgent = "mammut/1.0 ActivityPub"

// ActorDocument is the decoded shape of a remote ActivityPub actor. Remote
// JSON is never passed around untyped; it is decoded into this struct and
// validated before anything else sees it.
type ActorDocument struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Validate checks the fields a usable actor record depends on
func (doc *ActorDocument) Validate() error {
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return fmt.Errorf("actor document missing required fields")
	}
	return nil
}

// Resolver resolves actor URIs to cached records, fetching and refreshing
// remote actor documents over HTTP. The cache is the remote_accounts table;
// TTL and HTTP client are explicit so there is no hidden global state.
type Resolver struct {
	database *db.DB
	client   *http.Client
	ttl      time.Duration
	group    singleflight.Group
}

// NewResolver creates a Resolver with the given cache TTL
func NewResolver(database *db.DB, ttl time.Duration) *Resolver {
	return &Resolver{
		database: database,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		ttl: ttl,
	}
}

// Resolve returns the cached actor when fresh, otherwise fetches the actor
// document and upserts the cache. When a refresh fails but a stale record
// exists, the stale record is returned; absent data is never fabricated.
func (r *Resolver) Resolve(actorURI string) (*domain.RemoteAccount, error) {
	err, cached := r.database.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil && time.Since(cached.LastFetchedAt) < r.ttl {
		metrics.ResolverCacheHits.Inc()
		return cached, nil
	}
	metrics.ResolverCacheMisses.Inc()

	// Concurrent resolutions of the same URI share one fetch
	fresh, fetchErr, _ := r.group.Do(actorURI, func() (interface{}, error) {
		return r.fetch(actorURI)
	})
	if fetchErr != nil {
		if cached != nil {
			// stale-but-present beats no data
			return cached, nil
		}
		return nil, fetchErr
	}

	return fresh.(*domain.RemoteAccount), nil
}

// Refresh forces a fetch regardless of cache freshness
func (r *Resolver) Refresh(actorURI string) (*domain.RemoteAccount, error) {
	fresh, err, _ := r.group.Do(actorURI, func() (interface{}, error) {
		return r.fetch(actorURI)
	})
	if err != nil {
		return nil, err
	}
	return fresh.(*domain.RemoteAccount), nil
}

// FetchDocument performs an activity+json GET and decodes into out. Used for
// actor documents here and for device collections by the keys package.
func (r *Resolver) FetchDocument(uri string, out interface{}) error {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return newFetchError(KindPermanent, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return ClassifyNetError(err)
	}
	defer resp.Body.Close()

	if ferr := ClassifyStatus(resp.StatusCode); ferr != nil {
		return ferr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocumentSize))
	if err != nil {
		return ClassifyNetError(err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return newFetchError(KindPermanent, fmt.Errorf("failed to parse document: %w", err))
	}

	return nil
}

// fetch retrieves and validates a remote actor document, then upserts the
// cache row. Fetch failures never mutate cached data.
func (r *Resolver) fetch(actorURI string) (*domain.RemoteAccount, error) {
	var doc ActorDocument
	if err := r.FetchDocument(actorURI, &doc); err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, newFetchError(KindPermanent, err)
	}

	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return nil, newFetchError(KindPermanent, err)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		OutboxURI:      doc.Outbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		LastFetchedAt:  time.Now(),
	}

	if err := r.database.CreateRemoteAccount(remoteAcc); err != nil {
		// Row exists already; keep its id stable and refresh the fields
		err, existing := r.database.ReadRemoteAccountByURI(doc.ID)
		if err == nil && existing != nil {
			remoteAcc.Id = existing.Id
		}
		if err := r.database.UpdateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to store remote account: %w", err)
		}
	}

	return remoteAcc, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URI has no host: %s", actorURI)
	}
	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		return strings.TrimPrefix(username, "@")
	}
	return ""
}
