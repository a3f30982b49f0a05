package services

import (
	"net/url"
	"strings"
)

// SanitizeURL normalizes a client-submitted feed URL. Anything that does
// not parse as http/https is rejected with an empty string.
func SanitizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return s
}

// SanitizeURLs filters a URL list and collects [old, new] pairs for every
// entry that was rewritten, as reported to clients in update_urls.
func SanitizeURLs(urls []string) ([]string, [][]string) {
	res := make([]string, 0, len(urls))
	changes := make([][]string, 0)

	for _, u := range urls {
		su := SanitizeURL(u)
		if su != u {
			changes = append(changes, []string{u, su})
		}
		if su == "" {
			continue
		}
		res = append(res, su)
	}
	return res, changes
}
