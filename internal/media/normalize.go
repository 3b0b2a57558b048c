package media

import (
	"net/url"
	"strings"
)

// Normalize derives the deduplication key for a URL: a deterministic,
// tracking-parameter-free content identity. Two URLs referring to the same
// content must normalize identically, so query parameters are dropped except
// where they carry the content id (YouTube watch URLs).
//
// Normalize is total: unparseable input falls back to the trimmed raw string.
func Normalize(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil {
		return strings.Trim(raw, "/")
	}

	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	path := strings.Trim(u.Path, "/")

	switch {
	case host == "music.youtube.com":
		if id := u.Query().Get("v"); id != "" {
			return strings.Trim(strings.Replace(path, "watch", "yt_music", 1)+"/"+id, "/")
		}
	case strings.HasSuffix(host, "youtube.com") && strings.HasPrefix(path, "shorts/"):
		// Shorts already carry the id in the path.
		return path
	case strings.HasSuffix(host, "youtube.com"):
		if id := u.Query().Get("v"); id != "" {
			return strings.Trim(strings.Replace(path, "watch", "youtube", 1)+"/"+id, "/")
		}
	}

	return path
}

// OriginOf classifies a URL into the platform origin handled by the scraping
// actor registry. Unrecognized hosts map to OriginUnknown.
func OriginOf(rawURL string) Origin {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return OriginUnknown
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	switch {
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		return OriginInstagram
	case host == "youtu.be":
		return OriginYoutuBe
	case host == "music.youtube.com":
		return OriginYTMusic
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if strings.HasPrefix(strings.Trim(u.Path, "/"), "shorts/") {
			return OriginYTShorts
		}
		return OriginYouTube
	case host == "x.com" || host == "twitter.com" || strings.HasSuffix(host, ".twitter.com"):
		return OriginX
	default:
		return OriginUnknown
	}
}
