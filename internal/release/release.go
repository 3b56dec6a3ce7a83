// Package release defines the one value type the pipeline passes around.
package release

// UnknownArtist is used when no artist could be resolved for a release.
const UnknownArtist = "Unknown Artist"

// Release is a single Bandcamp release discovered on a tag page.
//
// URL is always absolute and Title is always non-empty; the extractor
// guarantees both before emitting a value.
type Release struct {
	URL         string
	Title       string
	Artist      string
	Tags        []string
	CoverURL    string
	Description string
}

func (r Release) String() string {
	return r.Title + " by " + r.Artist
}
