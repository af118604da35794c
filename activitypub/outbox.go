package activitypub

import (
	"fmt"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

const DefaultPageLimit = 20
const MaxPageLimit = 40

// OrderedCollection is the base outbox summary: counts and boundary page
// links, no items
type OrderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

// OrderedCollectionPage is one cursor-bounded slice of an outbox
type OrderedCollectionPage struct {
	Context      string              `json:"@context"`
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	PartOf       string              `json:"partOf"`
	OrderedItems []*ActivityDocument `json:"orderedItems"`
	Next         string              `json:"next,omitempty"`
	Prev         string              `json:"prev,omitempty"`
}

// PageRequest carries the pagination cursors. MaxId/SinceId of 0 mean unset;
// Paged distinguishes "no parameters at all" (base collection) from a page
// request.
type PageRequest struct {
	MaxId   int64
	SinceId int64
	Limit   int
	Paged   bool
}

// Paginator produces stable, cursor-based pages of an actor's public
// activity history. Cursors are note seqs, so page boundaries never shift
// when new notes are published.
type Paginator struct {
	database *db.DB
	iri      IRIBuilder
}

func NewPaginator(database *db.DB, iri IRIBuilder) *Paginator {
	return &Paginator{database: database, iri: iri}
}

// Summary returns the base outbox collection for an actor
func (p *Paginator) Summary(username string) (*OrderedCollection, error) {
	if err, acc := p.database.ReadAccByUsername(username); err != nil || acc == nil {
		return nil, newFetchError(KindNotFound, fmt.Errorf("no such actor: %s", username))
	}

	err, total := p.database.CountDistributableNotes(username)
	if err != nil {
		return nil, err
	}

	outboxURL := p.iri.Outbox(username)
	collection := &OrderedCollection{
		Context:    ActivityStreamsContext,
		ID:         outboxURL,
		Type:       "OrderedCollection",
		TotalItems: total,
	}

	if total > 0 {
		collection.First = fmt.Sprintf("%s?limit=%d", outboxURL, DefaultPageLimit)
		if err, oldest, ok := p.database.ReadOldestDistributableSeq(username); err == nil && ok {
			collection.Last = fmt.Sprintf("%s?max_id=%d&limit=%d", outboxURL, oldest+1, DefaultPageLimit)
		}
	}

	return collection, nil
}

// Page returns one page of distributable activities in strictly descending
// seq order. max_id bounds items strictly older, since_id strictly newer.
// Next is set only when at least one older eligible item exists, Prev only
// when a newer one does; an empty page carries no navigation links.
func (p *Paginator) Page(username string, req PageRequest) (*OrderedCollectionPage, error) {
	if err, acc := p.database.ReadAccByUsername(username); err != nil || acc == nil {
		return nil, newFetchError(KindNotFound, fmt.Errorf("no such actor: %s", username))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	// Fetch one extra row to learn whether an older item exists
	err, notes := p.database.ReadDistributableNotes(username, req.MaxId, req.SinceId, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := false
	pageNotes := []domain.Note{}
	if notes != nil {
		pageNotes = *notes
		if len(pageNotes) > limit {
			hasMore = true
			pageNotes = pageNotes[:limit]
		}
	}

	outboxURL := p.iri.Outbox(username)
	page := &OrderedCollectionPage{
		Context:      ActivityStreamsContext,
		ID:           pageURL(outboxURL, req, limit),
		Type:         "OrderedCollectionPage",
		PartOf:       outboxURL,
		OrderedItems: make([]*ActivityDocument, 0, len(pageNotes)),
	}

	for i := range pageNotes {
		item := RenderNoteActivity(&pageNotes[i], p.iri)
		// context lives on the enclosing page, not on embedded items
		item.Context = nil
		page.OrderedItems = append(page.OrderedItems, item)
	}

	if len(pageNotes) == 0 {
		return page, nil
	}

	newest := pageNotes[0].Seq
	dimmest := pageNotes[len(pageNotes)-1].Seq

	if hasMore {
		page.Next = fmt.Sprintf("%s?max_id=%d&limit=%d", outboxURL, dimmest, limit)
	}

	err, hasNewer := p.database.HasDistributableNoteAfter(username, newest)
	if err != nil {
		return nil, err
	}
	if hasNewer {
		page.Prev = fmt.Sprintf("%s?since_id=%d&limit=%d", outboxURL, newest, limit)
	}

	return page, nil
}

func pageURL(outboxURL string, req PageRequest, limit int) string {
	switch {
	case req.MaxId > 0:
		return fmt.Sprintf("%s?max_id=%d&limit=%d", outboxURL, req.MaxId, limit)
	case req.SinceId > 0:
		return fmt.Sprintf("%s?since_id=%d&limit=%d", outboxURL, req.SinceId, limit)
	default:
		return fmt.Sprintf("%s?limit=%d", outboxURL, limit)
	}
}
