// Package extract pulls release candidates out of a discover page.
//
// Discover markup is semi-structured and shifts over time, so extraction is
// heuristic and best-effort: an anchor that cannot be resolved is skipped,
// never fatal for the rest of the page.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bandwatch/internal/release"
)

// Release pages live under /album/ or /track/ paths.
const anchorSelector = `a[href*="/album/"], a[href*="/track/"]`

var (
	byConnective = regexp.MustCompile(`(?i)\s+by\s+`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

var titleCaser = cases.Title(language.Und)

type Extractor struct {
	base *url.URL
	log  zerolog.Logger
}

func New(baseURL string, log zerolog.Logger) (*Extractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Extractor{base: base, log: log}, nil
}

// Extract returns the releases found in doc, tagged with the query tag.
// Every returned release has a non-empty title and an absolute url.
func (e *Extractor) Extract(doc *goquery.Document, tag string) []release.Release {
	var (
		out     []release.Release
		skipped int
	)
	seen := map[string]struct{}{}

	doc.Find(anchorSelector).Each(func(_ int, a *goquery.Selection) {
		href := normalizeHref(a.AttrOr("href", ""))
		if href == "" {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}

		rel, ok := e.parseAnchor(a, href, tag)
		if !ok {
			skipped++
			return
		}
		out = append(out, rel)
	})

	if skipped > 0 {
		e.log.Debug().Str("tag", tag).Int("skipped", skipped).Msg("unparseable anchors skipped")
	}
	e.log.Info().Str("tag", tag).Int("found", len(out)).Msg("releases extracted")
	return out
}

func (e *Extractor) parseAnchor(a *goquery.Selection, href, tag string) (release.Release, bool) {
	absURL := e.absolutize(href)
	if absURL == "" {
		return release.Release{}, false
	}

	text := collapseSpace(a.Text())
	title, artist := splitTitleArtist(text)

	// Class hints on siblings/parents fill in whatever the anchor text
	// didn't carry.
	if title == "" || artist == "" {
		hintTitle, hintArtist := classHints(a.Parent())
		if title == "" {
			title = hintTitle
		}
		if artist == "" {
			artist = hintArtist
		}
	}

	if title == "" {
		title = text
	}
	if title == "" {
		return release.Release{}, false
	}

	if artist == "" {
		artist = subdomainArtist(absURL)
	}

	return release.Release{
		URL:      absURL,
		Title:    title,
		Artist:   artist,
		Tags:     []string{tag},
		CoverURL: e.coverURL(a),
	}, true
}

// splitTitleArtist splits anchor text on the "by" connective. Only an exact
// two-part split with both sides non-empty is trusted.
func splitTitleArtist(text string) (title, artist string) {
	parts := byConnective.Split(text, 2)
	if len(parts) != 2 {
		return "", ""
	}
	title = strings.TrimSpace(parts[0])
	artist = strings.TrimSpace(parts[1])
	if title == "" || artist == "" {
		return "", ""
	}
	return title, artist
}

// classHints inspects elements around the anchor for class names suggesting
// a title or artist label.
func classHints(parent *goquery.Selection) (title, artist string) {
	if parent == nil || parent.Length() == 0 {
		return "", ""
	}
	parent.Find("div, span").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		cls := strings.ToLower(el.AttrOr("class", ""))
		if cls == "" {
			return true
		}
		text := collapseSpace(el.Text())
		if text == "" {
			return true
		}
		if title == "" && (strings.Contains(cls, "title") || strings.Contains(cls, "name")) {
			title = text
		}
		if artist == "" && (strings.Contains(cls, "artist") || strings.Contains(cls, "by")) {
			artist = text
		}
		return title == "" || artist == ""
	})
	return title, artist
}

// subdomainArtist derives an artist name from the release url's subdomain
// ("some-band.bandcamp.com" -> "Some Band"). Falls back to the sentinel when
// the host has no usable subdomain.
func subdomainArtist(absURL string) string {
	u, err := url.Parse(absURL)
	if err != nil {
		return release.UnknownArtist
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 3 || labels[0] == "" || labels[0] == "www" {
		return release.UnknownArtist
	}
	name := strings.NewReplacer("-", " ", "_", " ").Replace(labels[0])
	name = collapseSpace(name)
	if name == "" {
		return release.UnknownArtist
	}
	return titleCaser.String(name)
}

// coverURL picks the nearest image's source, preferring the real source over
// lazy-load attributes, absolutized against the extractor base.
func (e *Extractor) coverURL(a *goquery.Selection) string {
	img := a.Find("img").First()
	if img.Length() == 0 {
		img = a.Parent().Find("img").First()
	}
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"src", "data-src", "data-original"} {
		if src := strings.TrimSpace(img.AttrOr(attr, "")); src != "" {
			return e.absolutize(src)
		}
	}
	return ""
}

func (e *Extractor) absolutize(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := e.base.ResolveReference(u)
	if abs.Scheme == "" || abs.Host == "" {
		return ""
	}
	return abs.String()
}

// normalizeHref strips query and fragment so in-document duplicates collapse
// onto one key.
func normalizeHref(href string) string {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return href
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
