package service

import (
	"net/url"
	"strings"

	"github.com/voyagen/mayotv/internal/fetcher"
)

// Resource names, matching the iptv-org API file names.
const (
	ResourceStreams    = "streams"
	ResourceChannels   = "channels"
	ResourceLogos      = "logos"
	ResourceCountries  = "countries"
	ResourceCategories = "categories"
	ResourceLanguages  = "languages"
)

// Sources holds the six resources the directory is built from.
type Sources struct {
	Streams    fetcher.Resource
	Channels   fetcher.Resource
	Logos      fetcher.Resource
	Countries  fetcher.Resource
	Categories fetcher.Resource
	Languages  fetcher.Resource
}

// NewSources points every resource at baseURL + "/<name>.json". Each proxy
// prefix adds one fallback wrapping the escaped primary URL, in order.
func NewSources(baseURL string, proxies []string) Sources {
	base := strings.TrimRight(baseURL, "/")
	res := func(name string) fetcher.Resource {
		primary := base + "/" + name + ".json"
		r := fetcher.Resource{Name: name, URL: primary}
		for _, p := range proxies {
			if p = strings.TrimSpace(p); p != "" {
				r.Fallbacks = append(r.Fallbacks, p+url.QueryEscape(primary))
			}
		}
		return r
	}
	return Sources{
		Streams:    res(ResourceStreams),
		Channels:   res(ResourceChannels),
		Logos:      res(ResourceLogos),
		Countries:  res(ResourceCountries),
		Categories: res(ResourceCategories),
		Languages:  res(ResourceLanguages),
	}
}
