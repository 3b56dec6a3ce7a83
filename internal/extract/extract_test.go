package extract

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"bandwatch/internal/release"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New("https://bandcamp.com", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func docFrom(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

func TestExtractTitleByArtist(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	doc := docFrom(t, `<a href="/album/first">Dark Days by The Strays</a>`)

	got := e.Extract(doc, "punk")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	rel := got[0]
	if rel.Title != "Dark Days" || rel.Artist != "The Strays" {
		t.Fatalf("title/artist = %q/%q", rel.Title, rel.Artist)
	}
	if rel.URL != "https://bandcamp.com/album/first" {
		t.Fatalf("url = %q", rel.URL)
	}
	if len(rel.Tags) != 1 || rel.Tags[0] != "punk" {
		t.Fatalf("tags = %v", rel.Tags)
	}
}

func TestExtractConnectiveCaseInsensitive(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	doc := docFrom(t, `<a href="/album/a">Loud Nights BY Quiet People</a>`)

	got := e.Extract(doc, "noise")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Title != "Loud Nights" || got[0].Artist != "Quiet People" {
		t.Fatalf("title/artist = %q/%q", got[0].Title, got[0].Artist)
	}
}

func TestExtractClassHints(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	doc := docFrom(t, `
		<div>
			<a href="/album/a">listen now</a>
			<div class="item-title">Glass Houses</div>
			<span class="item-artist">Stone Throwers</span>
		</div>`)

	got := e.Extract(doc, "punk")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Title != "Glass Houses" || got[0].Artist != "Stone Throwers" {
		t.Fatalf("title/artist = %q/%q", got[0].Title, got[0].Artist)
	}
}

func TestExtractSubdomainArtistFallback(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	tests := []struct {
		name   string
		html   string
		artist string
	}{
		{
			name:   "subdomain",
			html:   `<a href="https://the-quiet-ones.bandcamp.com/album/a">Silence</a>`,
			artist: "The Quiet Ones",
		},
		{
			name:   "no subdomain",
			html:   `<a href="/album/a">Silence</a>`,
			artist: release.UnknownArtist,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Extract(docFrom(t, tt.html), "ambient")
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].Artist != tt.artist {
				t.Fatalf("artist = %q, want %q", got[0].Artist, tt.artist)
			}
			if got[0].Title != "Silence" {
				t.Fatalf("title = %q", got[0].Title)
			}
		})
	}
}

func TestExtractDeduplicatesByNormalizedHref(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	doc := docFrom(t, `
		<a href="/album/same?from=discover">One by Two</a>
		<a href="/album/same">One by Two</a>
		<a href="/album/other">Three by Four</a>
		<a href="/about">not a release</a>`)

	got := e.Extract(doc, "punk")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].URL != "https://bandcamp.com/album/same" {
		t.Fatalf("first url = %q", got[0].URL)
	}
}

func TestExtractCoverURL(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	tests := []struct {
		name  string
		html  string
		cover string
	}{
		{
			name:  "descendant src",
			html:  `<a href="/album/a"><img src="/img/cover.jpg">T by A</a>`,
			cover: "https://bandcamp.com/img/cover.jpg",
		},
		{
			name:  "sibling lazy load",
			html:  `<div><a href="/album/a">T by A</a><img data-src="https://cdn.example.com/c.jpg"></div>`,
			cover: "https://cdn.example.com/c.jpg",
		},
		{
			name:  "no image",
			html:  `<a href="/album/a">T by A</a>`,
			cover: "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Extract(docFrom(t, tt.html), "punk")
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].CoverURL != tt.cover {
				t.Fatalf("cover = %q, want %q", got[0].CoverURL, tt.cover)
			}
		})
	}
}

func TestExtractSkipsEmptyAnchors(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t)
	doc := docFrom(t, `
		<a href="/album/empty"></a>
		<a href="/album/good">Fine by Me</a>`)

	got := e.Extract(doc, "punk")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Title != "Fine" {
		t.Fatalf("title = %q", got[0].Title)
	}
}
