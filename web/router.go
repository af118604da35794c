package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/keys"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const activityJSON = "application/activity+json; charset=utf-8"

// Server wires the HTTP surface to the federation components
type Server struct {
	conf      *util.AppConfig
	database  *db.DB
	inbox     *activitypub.Inbox
	paginator *activitypub.Paginator
	keyring   *keys.Service
	iri       activitypub.IRIBuilder
}

func NewServer(conf *util.AppConfig, database *db.DB, inbox *activitypub.Inbox,
	paginator *activitypub.Paginator, keyring *keys.Service) *Server {
	return &Server{
		conf:      conf,
		database:  database,
		inbox:     inbox,
		paginator: paginator,
		keyring:   keyring,
		iri:       activitypub.IRIBuilder{Domain: conf.Conf.SslDomain},
	}
}

// Router builds the gin engine with all federation routes
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbound federation: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/outbox", s.handleOutbox)
	g.GET("/users/:actor/followers", s.handleFollowers)
	g.GET("/users/:actor/following", s.handleFollowing)
	g.GET("/users/:actor/collections/devices", s.handleDevices)
	g.GET("/notes/:id", s.handleNote)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	g.POST("/users/:actor/claim", RateLimitMiddleware(apLimiter), maxBodySize, s.handleClaim)

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return g
}

// Run starts the HTTP server on the configured port
func (s *Server) Run() error {
	log.Printf("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if len(resource) < 6 || resource[:5] != "acct:" {
		c.JSON(404, gin.H{"error": "resource not found"})
		return
	}
	user := resource[5:]
	suffix := "@" + s.conf.Conf.SslDomain
	if len(user) > len(suffix) && user[len(user)-len(suffix):] == suffix {
		user = user[:len(user)-len(suffix)]
	}

	err, resp := GetWebfinger(s.database, user, s.conf)
	if err != nil {
		c.JSON(404, gin.H{"error": "resource not found"})
		return
	}
	c.JSON(200, resp)
}

func (s *Server) handleActor(c *gin.Context) {
	c.Header("Content-Type", activityJSON)
	err, actor := GetActor(s.database, c.Param("actor"), s.iri)
	if err != nil {
		c.JSON(404, gin.H{"error": "actor not found"})
		return
	}
	c.JSON(200, actor)
}

// handleOutbox serves the base collection without cursor parameters and an
// ordered page with them. Navigation links are mirrored as Link headers.
func (s *Server) handleOutbox(c *gin.Context) {
	c.Header("Content-Type", activityJSON)
	username := c.Param("actor")

	req, err := parsePageRequest(c)
	if err != nil {
		c.JSON(422, gin.H{"error": err.Error()})
		return
	}

	if !req.Paged {
		summary, err := s.paginator.Summary(username)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": "outbox not found"})
			return
		}
		c.JSON(200, summary)
		return
	}

	page, err := s.paginator.Page(username, req)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "outbox not found"})
		return
	}
	if page.Next != "" {
		c.Writer.Header().Add("Link", fmt.Sprintf(`<%s>; rel="next"`, page.Next))
	}
	if page.Prev != "" {
		c.Writer.Header().Add("Link", fmt.Sprintf(`<%s>; rel="prev"`, page.Prev))
	}
	c.JSON(200, page)
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleFollowCollection(c, s.iri.Followers(c.Param("actor")))
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleFollowCollection(c, s.iri.Following(c.Param("actor")))
}

func (s *Server) handleFollowCollection(c *gin.Context, collectionId string) {
	c.Header("Content-Type", activityJSON)
	err, acc := s.database.ReadAccByUsername(c.Param("actor"))
	if err != nil || acc == nil {
		c.JSON(404, gin.H{"error": "actor not found"})
		return
	}

	total := 0
	if err, follows := s.database.ReadFollowersOfAccount(acc.Id); err == nil && follows != nil {
		total = len(*follows)
	}
	c.JSON(200, gin.H{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         collectionId,
		"type":       "OrderedCollection",
		"totalItems": total,
	})
}

// noteResponse wraps a rendered note with its JSON-LD context for standalone
// serving
type noteResponse struct {
	Context string `json:"@context"`
	*activitypub.NoteObject
}

func (s *Server) handleNote(c *gin.Context) {
	c.Header("Content-Type", activityJSON)

	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "note not found"})
		return
	}

	err, note := s.database.ReadNoteId(noteId)
	if err != nil || note == nil {
		c.JSON(404, gin.H{"error": "note not found"})
		return
	}
	if !note.Visibility.Distributable() {
		c.JSON(404, gin.H{"error": "note not found"})
		return
	}

	c.JSON(200, noteResponse{
		Context:    activitypub.ActivityStreamsContext,
		NoteObject: activitypub.RenderNote(note, s.iri),
	})
}

// handleInbox verifies and processes inbound activities for both the shared
// inbox and per-actor inboxes. Verification failures are 401; processing runs
// after the request is accepted with 202 so remote servers do not retry
// activities that were received but could not be applied.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read request body"})
		return
	}

	actor, err := s.inbox.Verify(c.Request, body)
	if err != nil {
		log.Printf("Inbox: Rejected request: %v", err)
		c.JSON(401, gin.H{"error": "signature verification failed"})
		return
	}

	if err := s.inbox.Process(actor, body); err != nil {
		var ie *activitypub.InboxError
		if errors.As(err, &ie) {
			c.JSON(400, gin.H{"error": ie.Reason})
			return
		}
		log.Printf("Inbox: Failed to process activity from %s: %v", actor.ActorURI, err)
	}
	c.Status(202)
}

func (s *Server) handleDevices(c *gin.Context) {
	c.Header("Content-Type", activityJSON)
	err, acc := s.database.ReadAccByUsername(c.Param("actor"))
	if err != nil || acc == nil {
		c.JSON(404, gin.H{"error": "actor not found"})
		return
	}

	collection, err := s.keyring.LocalDevices(acc)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "failed to load devices"})
		return
	}
	c.JSON(200, collection)
}

// handleClaim lets a verified remote actor claim one one-time key from a
// local device
func (s *Server) handleClaim(c *gin.Context) {
	c.Header("Content-Type", activityJSON)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read request body"})
		return
	}

	if _, err := s.inbox.Verify(c.Request, body); err != nil {
		log.Printf("Keys: Rejected claim request: %v", err)
		c.JSON(401, gin.H{"error": "signature verification failed"})
		return
	}

	var claim keys.ClaimRequest
	if err := json.Unmarshal(body, &claim); err != nil || claim.ID == "" {
		c.JSON(422, gin.H{"error": "invalid claim request"})
		return
	}

	err, acc := s.database.ReadAccByUsername(c.Param("actor"))
	if err != nil || acc == nil {
		c.JSON(404, gin.H{"error": "actor not found"})
		return
	}

	claimed, err := s.keyring.ClaimLocal(acc, claim.ID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "key not available"})
		return
	}
	c.JSON(200, claimed)
}

// parsePageRequest reads cursor parameters. Any cursor or limit parameter
// makes the request paged; malformed values are rejected rather than ignored.
func parsePageRequest(c *gin.Context) (activitypub.PageRequest, error) {
	req := activitypub.PageRequest{Limit: activitypub.DefaultPageLimit}

	if c.Query("page") == "true" {
		req.Paged = true
	}
	if raw := c.Query("max_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return req, fmt.Errorf("invalid max_id parameter")
		}
		req.MaxId = v
		req.Paged = true
	}
	if raw := c.Query("since_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return req, fmt.Errorf("invalid since_id parameter")
		}
		req.SinceId = v
		req.Paged = true
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return req, fmt.Errorf("invalid limit parameter")
		}
		req.Limit = v
		req.Paged = true
	}
	return req, nil
}

// statusForError maps the error taxonomy to response codes
func statusForError(err error) int {
	switch activitypub.Kind(err) {
	case activitypub.KindNotFound:
		return http.StatusNotFound
	case activitypub.KindRateLimited:
		return http.StatusTooManyRequests
	case activitypub.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}
