package scraper

import "strings"

// BlockMarkers are page fragments that mean the site rejected or challenged
// the session instead of serving results.
var BlockMarkers = []string{
	"Sorry! Something went wrong!",
	"503 Service Unavailable",
	"500 Internal Server Error",
	"Robot Check",
	"captcha",
}

// DetectBlock returns the first block marker found in html, or "".
func DetectBlock(html string) string {
	lower := strings.ToLower(html)
	for _, marker := range BlockMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return marker
		}
	}
	return ""
}
