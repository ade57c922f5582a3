package feeds

import (
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
)

func TestGenerateIDDeterministic(t *testing.T) {
	item := &gofeed.Item{GUID: "guid-123", Link: "https://example.com/a"}
	if generateID(item) != generateID(item) {
		t.Error("same item produced different IDs")
	}
	if len(generateID(item)) != 16 {
		t.Errorf("ID length = %d, want 16", len(generateID(item)))
	}

	byLink := &gofeed.Item{Link: "https://example.com/a"}
	if generateID(item) == generateID(byLink) {
		t.Error("GUID and link fallbacks collided")
	}
}

func TestConvertFeedItem(t *testing.T) {
	published := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	fetched := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

	item := &gofeed.Item{
		GUID:            "guid-1",
		Title:           "SEC sues Binance",
		Link:            "https://example.com/sec",
		Description:     "Regulator files charges",
		PublishedParsed: &published,
	}

	a := convertFeedItem(item, "test-feed", fetched)
	if a.Source != "test-feed" {
		t.Errorf("source = %s", a.Source)
	}
	if !a.PublishedAt.Equal(published) {
		t.Errorf("published = %v, want feed time", a.PublishedAt)
	}
	if a.ContentHash != "" || a.Extraction != nil {
		t.Error("fresh article carries extraction state")
	}
}

func TestConvertFeedItemFallsBackToFetchTime(t *testing.T) {
	fetched := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	a := convertFeedItem(&gofeed.Item{Title: "no dates"}, "f", fetched)
	if !a.PublishedAt.Equal(fetched) {
		t.Errorf("published = %v, want fetch time fallback", a.PublishedAt)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := truncate(long, 500)
	if len([]rune(got)) != 500 {
		t.Errorf("truncated length = %d, want 500", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated string missing ellipsis")
	}
	if truncate("short", 500) != "short" {
		t.Error("short string modified")
	}
}
