package models

// Channel is the display-ready record produced by aggregation. URL is its
// identity: a directory never holds two channels with the same URL.
type Channel struct {
	Name        string  `json:"name"`
	Logo        string  `json:"logo"`
	Group       string  `json:"group"`
	URL         string  `json:"url"`
	CountryCode *string `json:"country_code,omitempty"`
	CountryName *string `json:"country_name,omitempty"`
	CountryFlag *string `json:"country_flag,omitempty"`
	Network     *string `json:"network,omitempty"`
	Quality     *string `json:"quality,omitempty"`
}

// Country is a reference entry and also the derived per-directory country list item.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag,omitempty"`
}

// Category groups channels by genre (e.g. "news").
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Language is keyed by its ISO 639-3 code.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Unknown country bucket used for streams without resolvable metadata.
const (
	UnknownCountryCode = "ZZ"
	UnknownCountryName = "Unknown"
	UnknownGroup       = "unknown"
)
