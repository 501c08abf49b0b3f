// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/internal/httputil"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// maxSeenIDs bounds the feed checkpoint; the oldest entry IDs fall off
// once the set exceeds it.
const maxSeenIDs = 1000

// Feed ingests RSS 2.0 and Atom feeds. Feeds have no server-side
// cursor, so the checkpoint is the comma-joined set of already-seen
// entry IDs, truncated to the most recent maxSeenIDs.
type Feed struct {
	client  *http.Client
	cfg     types.SourceConfig
	httpCfg types.HTTPConfig
	urls    []string
	retry   httputil.Policy
	log     *logrus.Entry
}

// NewFeed returns a connector for the given feed URLs.
func NewFeed(deps Dependencies, cfg types.SourceConfig, httpCfg types.HTTPConfig, urls []string) *Feed {
	return &Feed{
		client:  deps.Client,
		cfg:     cfg,
		httpCfg: httpCfg,
		urls:    urls,
		retry:   httputil.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		log:     deps.Log.WithField("source", NameFeed),
	}
}

func (s *Feed) Name() string { return NameFeed }

func (s *Feed) Config() types.SourceConfig { return s.cfg }

func (s *Feed) ExpectedSchema() map[string]string {
	return map[string]string{
		"id":        "str",
		"title":     "str",
		"link":      "str",
		"summary":   "str",
		"content":   "str",
		"author":    "str",
		"published": "str",
		"tags":      "list",
	}
}

// RawKey identifies a raw entry by feed and entry ID, since distinct
// feeds may reuse entry identifiers.
func (s *Feed) RawKey(record map[string]any) string {
	feedURL, _ := record["_feed_url"].(string)
	id, _ := record["id"].(string)
	if id == "" {
		return ""
	}
	return feedURL + "|" + id
}

func (s *Feed) header() http.Header {
	h := http.Header{}
	if s.httpCfg.UserAgent != "" {
		h.Set("User-Agent", s.httpCfg.UserAgent)
	}
	return h
}

// rssDoc covers RSS 2.0.
type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Author      string   `xml:"author"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

// atomDoc covers Atom 1.0.
type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Published  string `xml:"published"`
	Updated    string `xml:"updated"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

// parseFeed decodes body as RSS first, then Atom, and flattens entries
// into the common record shape.
func parseFeed(body []byte, feedURL string) ([]map[string]any, error) {
	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil {
		records := make([]map[string]any, 0, len(rss.Channel.Items))
		for _, item := range rss.Channel.Items {
			id := item.GUID
			if id == "" {
				id = item.Link
			}
			records = append(records, map[string]any{
				"id":         id,
				"title":      item.Title,
				"link":       item.Link,
				"summary":    item.Description,
				"content":    item.Description,
				"author":     item.Author,
				"published":  item.PubDate,
				"tags":       item.Categories,
				"_feed_url":  feedURL,
				"_feed_name": rss.Channel.Title,
			})
		}
		return records, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}
	records := make([]map[string]any, 0, len(atom.Entries))
	for _, entry := range atom.Entries {
		link := ""
		for _, l := range entry.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		content := entry.Content
		if content == "" {
			content = entry.Summary
		}
		published := entry.Published
		if published == "" {
			published = entry.Updated
		}
		tags := make([]string, 0, len(entry.Categories))
		for _, c := range entry.Categories {
			tags = append(tags, c.Term)
		}
		records = append(records, map[string]any{
			"id":         entry.ID,
			"title":      entry.Title,
			"link":       link,
			"summary":    entry.Summary,
			"content":    content,
			"author":     entry.Author.Name,
			"published":  published,
			"tags":       tags,
			"_feed_url":  feedURL,
			"_feed_name": atom.Title,
		})
	}
	return records, nil
}

// Fetch downloads every configured feed, drops entries whose IDs are in
// the checkpoint's seen set, and returns up to batchSize new entries.
// The next checkpoint is the union of seen and returned IDs, oldest
// first dropped past maxSeenIDs.
func (s *Feed) Fetch(ctx context.Context, checkpoint string, batchSize int) (*FetchResult, error) {
	var seenOrder []string
	seen := make(map[string]bool)
	if checkpoint != "" {
		for _, id := range strings.Split(checkpoint, ",") {
			if id != "" && !seen[id] {
				seen[id] = true
				seenOrder = append(seenOrder, id)
			}
		}
	}

	var fresh []map[string]any
	for _, feedURL := range s.urls {
		var body []byte
		err := httputil.Retry(ctx, s.retry, func() error {
			var ferr error
			body, ferr = httputil.GetBody(ctx, s.client, feedURL, s.header())
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("fetching feed %s: %w", feedURL, err)
		}

		entries, err := parseFeed(body, feedURL)
		if err != nil {
			// One malformed feed should not block the others.
			s.log.WithError(err).WithField("feed_url", feedURL).Warn("skipping unparsable feed")
			continue
		}
		for _, entry := range entries {
			id, _ := entry["id"].(string)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			fresh = append(fresh, entry)
		}
	}

	records := fresh
	if len(records) > batchSize {
		records = records[:batchSize]
	}

	for _, record := range records {
		id, _ := record["id"].(string)
		seenOrder = append(seenOrder, id)
	}
	if len(seenOrder) > maxSeenIDs {
		seenOrder = seenOrder[len(seenOrder)-maxSeenIDs:]
	}

	result := &FetchResult{
		Records:      records,
		TotalFetched: len(records),
		HasMore:      len(fresh) > len(records),
		Metadata:     map[string]any{"feeds": len(s.urls), "new_entries": len(fresh)},
	}
	if len(records) > 0 {
		result.CheckpointValue = strings.Join(seenOrder, ",")
	}
	return result, nil
}

// feedEntry is the validated shape of one entry; its serialization is
// what the record checksum covers.
type feedEntry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Link      string   `json:"link"`
	Summary   string   `json:"summary"`
	Content   string   `json:"content"`
	Author    string   `json:"author"`
	Published string   `json:"published"`
	Tags      []string `json:"tags"`
}

func (s *Feed) validate(record map[string]any) (*feedEntry, error) {
	e := &feedEntry{}

	var err error
	if e.ID, err = requireString(record, "id"); err != nil {
		return nil, err
	}
	if e.Title, err = requireString(record, "title"); err != nil {
		return nil, err
	}

	e.Link, _ = record["link"].(string)
	e.Summary, _ = record["summary"].(string)
	e.Content, _ = record["content"].(string)
	e.Author, _ = record["author"].(string)
	e.Published, _ = record["published"].(string)
	e.Tags, _ = record["tags"].([]string)

	return e, nil
}

func (s *Feed) transform(e *feedEntry) types.UnifiedRecordInput {
	published, _ := parseFeedTime(e.Published)

	sum := sha256.Sum256([]byte(e.ID))
	canonical := "rss_" + hex.EncodeToString(sum[:])[:12]

	category := ""
	if len(e.Tags) > 0 {
		category = e.Tags[0]
	}

	return types.UnifiedRecordInput{
		Source:            NameFeed,
		SourceID:          e.ID,
		CanonicalID:       canonical,
		Title:             e.Title,
		Content:           e.Content,
		Author:            e.Author,
		Category:          category,
		URL:               e.Link,
		ExternalCreatedAt: published,
		ExtraData: map[string]any{
			"summary": e.Summary,
			"tags":    e.Tags,
		},
		Checksum: Checksum(e),
	}
}

func (s *Feed) ProcessBatch(records []map[string]any) ([]types.UnifiedRecordInput, []FailedRecord) {
	return processBatch(s.log, records, func(record map[string]any) (types.UnifiedRecordInput, error) {
		e, err := s.validate(record)
		if err != nil {
			return types.UnifiedRecordInput{}, err
		}
		return s.transform(e), nil
	})
}

// parseFeedTime accepts RFC 1123 (RSS pubDate) and RFC 3339 (Atom).
func parseFeedTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
