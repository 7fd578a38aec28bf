// Package identity computes content identifiers for feed items.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bryan-buckman/feedreader/internal/model"
)

// TimestampLayout is the canonical text form of the publication time that
// goes into the hash.
const TimestampLayout = "2006-01-02 15:04:05.999999999 UTC"

// ItemID returns the hex SHA-256 over the salient fields of item. Two items
// with equal remote id, author, title, link, publication time and summary
// share an identifier; any visible change produces a new one.
func ItemID(item *model.Item) string {
	h := sha256.New()
	h.Write([]byte(item.FeedItemID))
	h.Write([]byte(item.Author))
	h.Write([]byte(item.Title))
	h.Write([]byte(item.Link))
	h.Write([]byte(FormatTimestamp(item.Published)))
	h.Write([]byte(item.Summary))
	return hex.EncodeToString(h.Sum(nil))
}

// Assign sets item.ID from its content and returns it.
func Assign(item *model.Item) string {
	item.ID = ItemID(item)
	return item.ID
}

// FormatTimestamp renders t in the canonical hashed form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
