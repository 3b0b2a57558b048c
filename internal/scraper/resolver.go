package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"mediarelay/internal/media"
	logx "mediarelay/pkg/logx"
)

// Resolver rewrites short/share links to their canonical form before a job
// is attempted. A rewrite may flip the job's origin; the dispatcher treats
// any rewrite as a replay through the upload side so the request layer sees
// the canonical identity.
type Resolver interface {
	Resolve(ctx context.Context, job *media.Job) (bool, error)
}

var canonicalLinkRe = regexp.MustCompile(`<link[^>]*rel="canonical"[^>]*href="([^"]+)"`)

// LinkResolver is the default Resolver: youtu.be links are rewritten locally
// (the video id is already in the path), instagram share links need one HTTP
// round trip to read the canonical link tag.
type LinkResolver struct {
	Client  *http.Client
	Timeout time.Duration
	Log     logx.Logger
}

func NewLinkResolver(log logx.Logger) *LinkResolver {
	return &LinkResolver{
		Client:  &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		Timeout: 60 * time.Second,
		Log:     log,
	}
}

func (r *LinkResolver) Resolve(ctx context.Context, job *media.Job) (bool, error) {
	switch {
	case job.Origin == media.OriginYoutuBe:
		rewritten, err := youtuBeToWatchURL(job.URL)
		if err != nil {
			return false, err
		}
		r.Log.Info("rewrote short link", logx.String("from", job.URL), logx.String("to", rewritten))
		job.URL = rewritten
		job.Origin = media.OriginYouTube
		job.UniqID = media.Normalize(rewritten)
		return true, nil

	case job.Origin == media.OriginInstagram && strings.Contains(job.URL, "share/"):
		canonical, err := r.resolveShareLink(ctx, job.URL)
		if err != nil {
			return false, err
		}
		r.Log.Info("resolved share link", logx.String("from", job.URL), logx.String("to", canonical))
		job.URL = canonical
		job.UniqID = media.Normalize(canonical)
		return true, nil
	}
	return false, nil
}

// youtuBeToWatchURL converts https://youtu.be/<id>?t=5 into the canonical
// watch URL without touching the network.
func youtuBeToWatchURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	id := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if id == "" {
		return "", fmt.Errorf("no video id in %q", raw)
	}
	q := u.Query()
	q.Set("v", id)
	q.Set("feature", "youtu.be")
	return (&url.URL{
		Scheme:   "https",
		Host:     "www.youtube.com",
		Path:     "/watch",
		RawQuery: q.Encode(),
	}).String(), nil
}

func (r *LinkResolver) resolveShareLink(ctx context.Context, raw string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Share pages redirect to the canonical post.
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	m := canonicalLinkRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no canonical link in share page %q", raw)
	}
	return strings.TrimSpace(string(m[1])), nil
}
