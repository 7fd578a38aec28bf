package rss

import (
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/bryan-buckman/feedreader/internal/identity"
	"github.com/bryan-buckman/feedreader/internal/model"
)

// fefeKey recovers publication times on blog.fefe.de, whose entries carry
// no date but a hex id of the timestamp XORed with this key.
const fefeKey = 0xfefec0de

// ToItems converts the entries of doc into items with their content
// identifier set, retrieved at now. It also returns the oldest publication
// time among them, which is now if no entry is older.
func ToItems(doc *gofeed.Feed, now time.Time) ([]model.Item, time.Time) {
	oldest := now
	items := make([]model.Item, 0, len(doc.Items))
	for _, entry := range doc.Items {
		if entry == nil {
			continue
		}
		remoteID := entry.GUID
		if remoteID == "" {
			remoteID = entryLink(entry)
		}
		if remoteID == "" {
			continue
		}
		published, ok := entryDate(entry, remoteID, now)
		if !ok {
			continue
		}
		if published.Before(oldest) {
			oldest = published
		}
		it := model.Item{
			Retrieved:  now,
			Author:     entryAuthor(entry),
			Title:      entry.Title,
			FeedItemID: remoteID,
			Link:       entryLink(entry),
			Published:  published,
			Summary:    entrySummary(entry),
		}
		identity.Assign(&it)
		items = append(items, it)
	}
	return items, oldest
}

// entryDate picks the publication time: published, then updated, then the
// fefe id, then now. ok is false if the entry has to be skipped.
func entryDate(entry *gofeed.Item, remoteID string, now time.Time) (time.Time, bool) {
	switch {
	case entry.PublishedParsed != nil:
		return entry.PublishedParsed.UTC(), true
	case entry.UpdatedParsed != nil:
		return entry.UpdatedParsed.UTC(), true
	case strings.Contains(remoteID, "blog.fefe.de"):
		return fefeDate(remoteID)
	default:
		return now, true
	}
}

func fefeDate(remoteID string) (time.Time, bool) {
	hexID := remoteID[strings.LastIndex(remoteID, "=")+1:]
	v, err := strconv.ParseInt(hexID, 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(v^fefeKey, 0).UTC(), true
}

func entryAuthor(entry *gofeed.Item) string {
	names := make([]string, 0, len(entry.Authors))
	for _, a := range entry.Authors {
		if a != nil {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

func entryLink(entry *gofeed.Item) string {
	if entry.Link != "" {
		return entry.Link
	}
	if len(entry.Links) > 0 {
		return entry.Links[0]
	}
	return ""
}

func entrySummary(entry *gofeed.Item) string {
	if strings.TrimSpace(entry.Description) != "" {
		return entry.Description
	}
	if d, ok := mediaDescription(entry.Extensions); ok {
		return d
	}
	return entry.Description
}

// mediaDescription returns the first media:description, looking inside
// media:group as well.
func mediaDescription(exts ext.Extensions) (string, bool) {
	media, ok := exts["media"]
	if !ok {
		return "", false
	}
	if ds := media["description"]; len(ds) > 0 {
		return ds[0].Value, true
	}
	for _, g := range media["group"] {
		if ds := g.Children["description"]; len(ds) > 0 {
			return ds[0].Value, true
		}
	}
	return "", false
}
