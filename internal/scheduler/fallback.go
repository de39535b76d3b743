package scheduler

import (
	"net/url"
	"strings"
)

// candidateURLs returns the primary source URL followed by up to
// maxFallbacks well-known office listing pages on the same site. Paths that
// resolve to the primary URL are skipped.
func candidateURLs(primary string, paths []string, maxFallbacks int) []string {
	out := []string{primary}
	u, err := url.Parse(primary)
	if err != nil || u.Host == "" {
		return out
	}

	seen := map[string]bool{normalizeURL(primary): true}
	for _, p := range paths {
		if len(out)-1 >= maxFallbacks {
			break
		}
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		fb := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/" + p}).String()
		key := normalizeURL(fb)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, fb)
	}
	return out
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return strings.ToLower(u.Host) + strings.TrimRight(strings.ToLower(u.Path), "/")
}
