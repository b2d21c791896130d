// Package directory joins the iptv-org datasets into a browsable catalog.
package directory

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/voyagen/mayotv/internal/models"
)

// minQualityHeight is the smallest pixel height that earns a quality label.
const minQualityHeight = 240

var reQuality = regexp.MustCompile(`^(\d+)[pP]`)

// Input holds the six raw datasets.
type Input struct {
	Streams    []models.Stream
	Channels   []models.ChannelMetadata
	Logos      []models.Logo
	Countries  []models.Country
	Categories []models.Category
	Languages  []models.Language
}

// Aggregate joins streams with their channel metadata and logos and groups
// the result by country, category and language.
//
// Streams without a URL or channel id are skipped. A stream whose URL was
// already emitted is dropped, so the first occurrence wins. Streams without
// metadata keep their own name and logo and land in the unknown country
// bucket, which always sorts last. Category and language ids missing from
// the reference dictionaries are ignored. Aggregate never fails.
func Aggregate(in Input) *models.Directory {
	channelsByID := make(map[string]*models.ChannelMetadata, len(in.Channels))
	for i := range in.Channels {
		channelsByID[in.Channels[i].ID] = &in.Channels[i]
	}
	logosByChannel := make(map[string]string, len(in.Logos))
	for _, l := range in.Logos {
		if l.Channel != "" && l.URL != "" {
			logosByChannel[l.Channel] = l.URL
		}
	}
	countriesByCode := make(map[string]models.Country, len(in.Countries))
	for _, c := range in.Countries {
		countriesByCode[c.Code] = c
	}
	categoriesByID := make(map[string]models.Category, len(in.Categories))
	for _, c := range in.Categories {
		categoriesByID[c.ID] = c
	}
	languagesByCode := make(map[string]models.Language, len(in.Languages))
	for _, l := range in.Languages {
		languagesByCode[l.Code] = l
	}

	dir := &models.Directory{
		ChannelsByCountry:  make(map[string][]models.Channel),
		ChannelsByCategory: make(map[string][]models.Channel),
		ChannelsByLanguage: make(map[string][]models.Channel),
		AllChannels:        make([]models.Channel, 0, len(in.Streams)),
	}
	seen := make(map[string]struct{}, len(in.Streams))

	for _, st := range in.Streams {
		url := strings.TrimSpace(st.URL)
		if url == "" || st.ChannelID == nil || *st.ChannelID == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}

		meta := channelsByID[*st.ChannelID]
		ch := buildChannel(st, url, meta, logosByChannel[*st.ChannelID], countriesByCode)
		dir.AllChannels = append(dir.AllChannels, ch)

		countryKey := models.UnknownCountryCode
		if ch.CountryCode != nil {
			countryKey = *ch.CountryCode
		}
		dir.ChannelsByCountry[countryKey] = append(dir.ChannelsByCountry[countryKey], ch)

		if meta == nil {
			continue
		}
		for _, id := range unique(meta.Categories) {
			if _, ok := categoriesByID[id]; ok {
				dir.ChannelsByCategory[id] = append(dir.ChannelsByCategory[id], ch)
			}
		}
		for _, code := range unique(meta.Languages) {
			if _, ok := languagesByCode[code]; ok {
				dir.ChannelsByLanguage[code] = append(dir.ChannelsByLanguage[code], ch)
			}
		}
	}

	dir.Countries = deriveCountries(dir.ChannelsByCountry, countriesByCode)
	dir.Categories = deriveCategories(dir.ChannelsByCategory, categoriesByID)
	dir.Languages = deriveLanguages(dir.ChannelsByLanguage, languagesByCode)
	return dir
}

func buildChannel(st models.Stream, url string, meta *models.ChannelMetadata, logo string, countries map[string]models.Country) models.Channel {
	ch := models.Channel{
		Name:    strings.TrimSpace(st.Name),
		URL:     url,
		Group:   models.UnknownGroup,
		Quality: qualityLabel(st),
	}
	if st.Logo != nil {
		ch.Logo = *st.Logo
	}
	if logo != "" {
		ch.Logo = logo
	}
	if ch.Name == "" {
		ch.Name = *st.ChannelID
	}
	if meta == nil {
		return ch
	}

	if meta.Name != "" {
		ch.Name = meta.Name
	}
	ch.Network = meta.Network
	if code := strings.ToUpper(meta.Country); code != "" && code != models.UnknownCountryCode {
		ch.Group = code
		ch.CountryCode = &code
		if c, ok := countries[code]; ok {
			name, flag := c.Name, c.Flag
			ch.CountryName = &name
			if flag != "" {
				ch.CountryFlag = &flag
			}
		}
	}
	return ch
}

// qualityLabel is "<height>p" for heights of at least 240 pixels. The
// pixel height falls back to the leading number of the quality string.
func qualityLabel(st models.Stream) *string {
	height := 0
	switch {
	case st.Height != nil:
		height = *st.Height
	case st.Quality != nil:
		if m := reQuality.FindStringSubmatch(strings.TrimSpace(*st.Quality)); m != nil {
			height, _ = strconv.Atoi(m[1])
		}
	}
	if height < minQualityHeight {
		return nil
	}
	label := fmt.Sprintf("%dp", height)
	return &label
}

func deriveCountries(groups map[string][]models.Channel, dict map[string]models.Country) []models.Country {
	out := make([]models.Country, 0, len(groups))
	hasUnknown := false
	for code := range groups {
		if code == models.UnknownCountryCode {
			hasUnknown = true
			continue
		}
		c, ok := dict[code]
		if !ok {
			c = models.Country{Code: code, Name: code}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return byName(out[i].Name, out[j].Name, out[i].Code, out[j].Code)
	})
	if hasUnknown {
		out = append(out, models.Country{Code: models.UnknownCountryCode, Name: models.UnknownCountryName})
	}
	return out
}

func deriveCategories(groups map[string][]models.Channel, dict map[string]models.Category) []models.Category {
	out := make([]models.Category, 0, len(groups))
	for id := range groups {
		out = append(out, dict[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return byName(out[i].Name, out[j].Name, out[i].ID, out[j].ID)
	})
	return out
}

func deriveLanguages(groups map[string][]models.Channel, dict map[string]models.Language) []models.Language {
	out := make([]models.Language, 0, len(groups))
	for code := range groups {
		out = append(out, dict[code])
	}
	sort.Slice(out, func(i, j int) bool {
		return byName(out[i].Name, out[j].Name, out[i].Code, out[j].Code)
	})
	return out
}

// byName orders case-insensitively by name, then by key for a stable result.
func byName(a, b, keyA, keyB string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return keyA < keyB
}

func unique(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
