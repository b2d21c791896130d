package directory

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/voyagen/mayotv/internal/models"
)

// Filter selects channels from a directory. Empty fields match everything;
// Query is a case-insensitive substring of the channel name.
type Filter struct {
	Country  string
	Category string
	Language string
	Query    string
}

func (f Filter) normalized() Filter {
	return Filter{
		Country:  strings.ToUpper(strings.TrimSpace(f.Country)),
		Category: strings.ToLower(strings.TrimSpace(f.Category)),
		Language: strings.ToLower(strings.TrimSpace(f.Language)),
		Query:    strings.ToLower(strings.TrimSpace(f.Query)),
	}
}

// Key is a stable cache key for the filter. Equivalent filters share a key.
func (f Filter) Key() string {
	n := f.normalized()
	h := xxhash.New()
	for _, part := range []string{n.Country, n.Category, n.Language, n.Query} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return "channels:" + strconv.FormatUint(h.Sum64(), 16)
}

// Apply returns the matching channels in directory order. The result is
// never nil.
func (f Filter) Apply(dir *models.Directory) []models.Channel {
	n := f.normalized()

	base := dir.AllChannels
	if n.Country != "" {
		base = dir.ChannelsByCountry[n.Country]
	}
	inCategory := urlSet(dir.ChannelsByCategory, n.Category)
	inLanguage := urlSet(dir.ChannelsByLanguage, n.Language)

	out := make([]models.Channel, 0, len(base))
	for _, ch := range base {
		if inCategory != nil {
			if _, ok := inCategory[ch.URL]; !ok {
				continue
			}
		}
		if inLanguage != nil {
			if _, ok := inLanguage[ch.URL]; !ok {
				continue
			}
		}
		if n.Query != "" && !strings.Contains(strings.ToLower(ch.Name), n.Query) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// urlSet is nil when key is empty, meaning no restriction.
func urlSet(groups map[string][]models.Channel, key string) map[string]struct{} {
	if key == "" {
		return nil
	}
	set := make(map[string]struct{}, len(groups[key]))
	for _, ch := range groups[key] {
		set[ch.URL] = struct{}{}
	}
	return set
}
