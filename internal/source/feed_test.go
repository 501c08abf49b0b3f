// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

const rssFeed = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Market News</title>
    <item>
      <guid>news-1</guid>
      <title>Bitcoin rallies</title>
      <link>https://example.com/news/1</link>
      <description>BTC up 5%</description>
      <author>alice</author>
      <pubDate>Mon, 12 Jan 2026 09:00:00 +0000</pubDate>
      <category>markets</category>
    </item>
    <item>
      <guid>news-2</guid>
      <title>Ethereum upgrade lands</title>
      <link>https://example.com/news/2</link>
      <description>Fusaka is live</description>
      <author>bob</author>
      <pubDate>Tue, 13 Jan 2026 09:00:00 +0000</pubDate>
      <category>tech</category>
    </item>
  </channel>
</rss>`

const atomFeedDoc = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Dev Blog</title>
  <entry>
    <id>urn:post-1</id>
    <title>Release notes</title>
    <link rel="alternate" href="https://example.com/blog/1"/>
    <summary>What changed</summary>
    <author><name>carol</name></author>
    <published>2026-01-14T08:00:00Z</published>
    <category term="release"/>
  </entry>
</feed>`

func newFeed(t *testing.T, docs ...string) *Feed {
	t.Helper()
	var urls []string
	for _, doc := range docs {
		doc := doc
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, doc)
		}))
		t.Cleanup(server.Close)
		urls = append(urls, server.URL)
	}

	s := NewFeed(testDeps(), types.SourceConfig{Name: NameFeed, BatchSize: 10}, types.HTTPConfig{UserAgent: "test"}, urls)
	s.retry = fastRetry
	return s
}

func TestFeed_ExpectedSchemaCoversParsedFields(t *testing.T) {
	s := newFeed(t, rssFeed)
	expected := s.ExpectedSchema()

	for _, doc := range []string{rssFeed, atomFeedDoc} {
		records, err := parseFeed([]byte(doc), "https://example.com/feed.xml")
		if err != nil {
			t.Fatalf("parseFeed: %v", err)
		}
		for key := range records[0] {
			if strings.HasPrefix(key, "_") {
				continue
			}
			if _, ok := expected[key]; !ok {
				t.Errorf("parsed field %q missing from expected schema", key)
			}
		}
	}
}

func TestFeed_FetchRSS(t *testing.T) {
	s := newFeed(t, rssFeed)

	result, err := s.Fetch(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.TotalFetched != 2 {
		t.Fatalf("TotalFetched = %d, want 2", result.TotalFetched)
	}
	if got := result.Records[0]["id"]; got != "news-1" {
		t.Errorf("first entry id = %v", got)
	}
	if got := result.Records[0]["title"]; got != "Bitcoin rallies" {
		t.Errorf("title = %v", got)
	}
}

func TestFeed_FetchAtom(t *testing.T) {
	s := newFeed(t, atomFeedDoc)

	result, err := s.Fetch(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.TotalFetched != 1 {
		t.Fatalf("TotalFetched = %d, want 1", result.TotalFetched)
	}
	r := result.Records[0]
	if r["id"] != "urn:post-1" || r["link"] != "https://example.com/blog/1" {
		t.Errorf("entry = %+v", r)
	}
	if r["author"] != "carol" {
		t.Errorf("author = %v", r["author"])
	}
}

func TestFeed_MultipleFeeds(t *testing.T) {
	s := newFeed(t, rssFeed, atomFeedDoc)

	result, err := s.Fetch(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.TotalFetched != 3 {
		t.Errorf("TotalFetched = %d, want 3 across both feeds", result.TotalFetched)
	}
}

func TestFeed_SeenEntriesSkipped(t *testing.T) {
	s := newFeed(t, rssFeed)
	ctx := context.Background()

	first, err := s.Fetch(ctx, "", 10)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.TotalFetched != 2 {
		t.Fatalf("first fetch = %d entries", first.TotalFetched)
	}

	second, err := s.Fetch(ctx, first.CheckpointValue, 10)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.TotalFetched != 0 {
		t.Errorf("second fetch returned %d already-seen entries", second.TotalFetched)
	}
}

func TestFeed_BatchLimitAndHasMore(t *testing.T) {
	s := newFeed(t, rssFeed)

	result, err := s.Fetch(context.Background(), "", 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.TotalFetched != 1 {
		t.Fatalf("TotalFetched = %d, want 1", result.TotalFetched)
	}
	if !result.HasMore {
		t.Error("HasMore = false with an unreturned entry")
	}
	// The unreturned entry is not in the checkpoint yet.
	if strings.Contains(result.CheckpointValue, "news-2") {
		t.Error("checkpoint should only carry returned entry IDs")
	}
}

func TestFeed_CheckpointTruncatedToCap(t *testing.T) {
	s := newFeed(t, rssFeed)

	ids := make([]string, maxSeenIDs+50)
	for i := range ids {
		ids[i] = fmt.Sprintf("old-%d", i)
	}
	checkpoint := strings.Join(ids, ",")

	result, err := s.Fetch(context.Background(), checkpoint, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got := strings.Split(result.CheckpointValue, ",")
	if len(got) != maxSeenIDs {
		t.Errorf("checkpoint carries %d IDs, want %d", len(got), maxSeenIDs)
	}
	// Newest IDs survive truncation.
	if got[len(got)-1] != "news-2" {
		t.Errorf("last checkpoint ID = %q, want news-2", got[len(got)-1])
	}
	if got[0] == "old-0" {
		t.Error("oldest IDs should be dropped first")
	}
}

func TestFeed_UnparsableFeedSkipped(t *testing.T) {
	s := newFeed(t, "this is not xml", rssFeed)

	result, err := s.Fetch(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.TotalFetched != 2 {
		t.Errorf("TotalFetched = %d, want 2 from the healthy feed", result.TotalFetched)
	}
}

func TestFeed_TransformCanonicalID(t *testing.T) {
	s := newFeed(t, rssFeed)

	result, err := s.Fetch(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	unified, failed := s.ProcessBatch(result.Records)
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}

	u := unified[0]
	if !strings.HasPrefix(u.CanonicalID, "rss_") || len(u.CanonicalID) != len("rss_")+12 {
		t.Errorf("CanonicalID = %q, want rss_ plus 12 hex chars", u.CanonicalID)
	}
	if u.URL != "https://example.com/news/1" {
		t.Errorf("URL = %q", u.URL)
	}
	if u.Category != "markets" {
		t.Errorf("Category = %q, want markets", u.Category)
	}
	if u.ExternalCreatedAt.IsZero() {
		t.Error("pubDate not parsed")
	}

	// Same entry ID always maps to the same canonical ID.
	again, _ := s.ProcessBatch(result.Records)
	if again[0].CanonicalID != u.CanonicalID {
		t.Error("canonical ID not deterministic")
	}
}

func TestFeed_ProcessBatchRejectsMissingID(t *testing.T) {
	s := newFeed(t, rssFeed)

	records := []map[string]any{
		{"id": "ok-1", "title": "fine", "link": "https://example.com"},
		{"title": "no id", "link": "https://example.com"},
	}
	unified, failed := s.ProcessBatch(records)
	if len(unified) != 1 || len(failed) != 1 {
		t.Errorf("unified=%d failed=%d, want 1 and 1", len(unified), len(failed))
	}
}
