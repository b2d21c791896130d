package models

// Directory is the joined catalog. Every channel in a grouping is also in
// AllChannels, and no grouping key maps to an empty slice.
type Directory struct {
	Countries          []Country            `json:"countries"`
	Categories         []Category           `json:"categories"`
	Languages          []Language           `json:"languages"`
	ChannelsByCountry  map[string][]Channel `json:"channels_by_country"`
	ChannelsByCategory map[string][]Channel `json:"channels_by_category"`
	ChannelsByLanguage map[string][]Channel `json:"channels_by_language"`
	AllChannels        []Channel            `json:"all_channels"`
}

// Skeleton holds only the reference dictionaries, for a fast first paint.
type Skeleton struct {
	Countries  []Country  `json:"countries"`
	Categories []Category `json:"categories"`
	Languages  []Language `json:"languages"`
}
