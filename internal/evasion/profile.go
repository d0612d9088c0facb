package evasion

import "strings"

// Profile is one browsing identity: what the session claims to be.
type Profile struct {
	Name           string `json:"name" yaml:"name"`
	UserAgent      string `json:"user_agent" yaml:"user_agent"`
	Platform       string `json:"platform" yaml:"platform"`
	Locale         string `json:"locale" yaml:"locale"`
	Timezone       string `json:"timezone" yaml:"timezone"`
	ViewportWidth  int    `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `json:"viewport_height" yaml:"viewport_height"`
}

// Languages returns the navigator.languages list for the profile locale,
// e.g. ["en-US", "en"].
func (p Profile) Languages() []string {
	if p.Locale == "" {
		return []string{"en-US", "en"}
	}
	langs := []string{p.Locale}
	if base, _, ok := strings.Cut(p.Locale, "-"); ok && base != "" {
		langs = append(langs, base)
	}
	return langs
}

// AcceptLanguage returns the Accept-Language header value for the profile.
func (p Profile) AcceptLanguage() string {
	langs := p.Languages()
	if len(langs) == 1 {
		return langs[0]
	}
	return langs[0] + "," + langs[1] + ";q=0.9"
}

// DefaultPool returns realistic desktop identities.
func DefaultPool() []Profile {
	return []Profile{
		{
			Name:           "win-chrome",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Platform:       "Win32",
			Locale:         "en-US",
			Timezone:       "America/New_York",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		{
			Name:           "mac-chrome",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Platform:       "MacIntel",
			Locale:         "en-US",
			Timezone:       "America/Los_Angeles",
			ViewportWidth:  1440,
			ViewportHeight: 900,
		},
		{
			Name:           "linux-chrome",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			Platform:       "Linux x86_64",
			Locale:         "en-US",
			Timezone:       "America/Chicago",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		{
			Name:           "win-edge",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			Platform:       "Win32",
			Locale:         "en-US",
			Timezone:       "America/Denver",
			ViewportWidth:  1536,
			ViewportHeight: 864,
		},
		{
			Name:           "mac-chrome-gb",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			Platform:       "MacIntel",
			Locale:         "en-GB",
			Timezone:       "America/New_York",
			ViewportWidth:  1680,
			ViewportHeight: 1050,
		},
	}
}
