package models

// Stream is one playable variant as published in streams.json. ChannelID
// joins it to ChannelMetadata.
type Stream struct {
	ChannelID *string `json:"channel"`
	Name      string  `json:"name,omitempty"`
	Logo      *string `json:"logo,omitempty"`
	URL       string  `json:"url"`
	Category  string  `json:"category,omitempty"`
	Height    *int    `json:"height,omitempty"`
	Quality   *string `json:"quality,omitempty"` // e.g. "720p"; used when Height is absent
}

// ChannelMetadata mirrors an entry of channels.json.
type ChannelMetadata struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	AltNames    []string `json:"alt_names,omitempty"`
	Network     *string  `json:"network,omitempty"`
	Owners      []string `json:"owners,omitempty"`
	Country     string   `json:"country"`
	Subdivision *string  `json:"subdivision,omitempty"`
	City        *string  `json:"city,omitempty"`
	Categories  []string `json:"categories"`
	Languages   []string `json:"languages"`
	IsNSFW      bool     `json:"is_nsfw"`
	Launched    *string  `json:"launched,omitempty"`
	Closed      *string  `json:"closed,omitempty"`
	ReplacedBy  *string  `json:"replaced_by,omitempty"`
	Website     *string  `json:"website,omitempty"`
}

// Logo mirrors an entry of logos.json.
type Logo struct {
	Channel string `json:"channel"`
	URL     string `json:"url"`
}
