// Package model defines shared data structures.
package model

import "time"

// NewFeedTitle is the placeholder title of a feed that was never fetched.
const NewFeedTitle = "[New feed] Updating..."

// Feed represents one subscribed RSS/Atom source.
type Feed struct {
	ID            int64     `json:"id"` // assigned by the store, zero until then
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	LastRetrieval time.Time `json:"last_retrieval"`
	NextRetrieval time.Time `json:"next_retrieval"`
	LastActivity  time.Time `json:"last_activity"`
	Disabled      bool      `json:"disabled"`
	UpdatedItems  int64     `json:"updated_items"` // unseen items since the reader last looked
}

// Item is one stored revision of one entry of a feed.
type Item struct {
	ID         string    `json:"id"` // content identifier, see identity.ItemID
	FeedID     int64     `json:"feed_id"`
	Retrieved  time.Time `json:"retrieved"`
	Seen       bool      `json:"seen"`
	Author     string    `json:"author"`
	Title      string    `json:"title"`
	FeedItemID string    `json:"feed_item_id"` // the remote entry id, stable across edits
	Link       string    `json:"link"`
	Published  time.Time `json:"published"`
	Summary    string    `json:"summary"`
}

// ItemSummary is the latest revision of a remote entry plus aggregate
// information over all of its stored revisions.
type ItemSummary struct {
	Item
	Revisions int64 `json:"revisions"`
	AnySeen   bool  `json:"any_seen"`
	AllSeen   bool  `json:"all_seen"`
}

// Classification is the result of comparing an incoming entry with the store.
type Classification int

const (
	// New means no stored row shares the entry's remote id.
	New Classification = iota + 1
	// Updated means the remote entry is known but its content changed.
	Updated
	// Exists means an identical revision is already stored.
	Exists
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Updated:
		return "updated"
	case Exists:
		return "exists"
	default:
		return "unknown"
	}
}

// HighlightMode selects which accepted items bump the revision counter.
type HighlightMode string

const (
	// HighlightAll counts new and updated items.
	HighlightAll HighlightMode = "all"
	// HighlightNew counts only brand-new items.
	HighlightNew HighlightMode = "new"
)

// Counts reports whether an item with classification c contributes to the
// revision bump under mode m.
func (m HighlightMode) Counts(c Classification) bool {
	switch c {
	case New:
		return true
	case Updated:
		return m == HighlightAll
	default:
		return false
	}
}

// Key-value keys.
const (
	KeyFeedUpdateRevision = "feed_update_revision"
)
