package telegram

import (
	"strings"

	"bandwatch/internal/release"
)

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	tagCleaner  = strings.NewReplacer(" ", "_", "-", "_")
)

// FormatRelease renders the notification message as Telegram subset-HTML:
// bold title, bold artist, hashtag line, link line. Markup characters in
// title and artist are escaped; the url is emitted as-is (it is always an
// absolute url produced by the extractor).
func FormatRelease(rel release.Release, maxDescLen int) string {
	var b strings.Builder

	b.WriteString("🎵 <b>" + htmlEscaper.Replace(rel.Title) + "</b>\n")
	b.WriteString("👤 <b>" + htmlEscaper.Replace(rel.Artist) + "</b>\n")
	b.WriteString("\n")

	if tags := Hashtags(rel.Tags); tags != "" {
		b.WriteString("🏷️ " + tags + "\n")
		b.WriteString("\n")
	}

	if rel.Description != "" && maxDescLen > 0 {
		b.WriteString(htmlEscaper.Replace(truncate(rel.Description, maxDescLen)) + "\n")
		b.WriteString("\n")
	}

	b.WriteString("🔗 <a href='" + rel.URL + "'>Open on Bandcamp</a>")
	return b.String()
}

// Hashtags renders tags as a space-joined hashtag list, with spaces and
// hyphens inside each tag replaced by underscores.
func Hashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, "#"+tagCleaner.Replace(t))
	}
	return strings.Join(out, " ")
}

func truncate(s string, maxN int) string {
	if maxN <= 0 {
		return s
	}
	rs := []rune(s)
	if len(rs) <= maxN {
		return s
	}
	if maxN <= 3 {
		return string(rs[:maxN])
	}
	return string(rs[:maxN-3]) + "..."
}
