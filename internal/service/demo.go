package service

import (
	"github.com/voyagen/mayotv/internal/directory"
	"github.com/voyagen/mayotv/internal/models"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// Demo returns the built-in catalog served when the sources are unreachable:
// three countries, categories, languages and channels. Each call returns a
// fresh copy.
func Demo() *models.Directory {
	return directory.Aggregate(directory.Input{
		Streams: []models.Stream{
			{ChannelID: strPtr("MayoNews.us"), Name: "Mayo News", URL: "https://test-streams.mux.dev/x36xhzz/x36xhzz.m3u8", Height: intPtr(720)},
			{ChannelID: strPtr("MayoMusique.fr"), Name: "Mayo Musique", URL: "https://demo.unified-streaming.com/k8s/features/stable/video/tears-of-steel/tears-of-steel.ism/.m3u8", Height: intPtr(1080)},
			{ChannelID: strPtr("MayoDeportes.es"), Name: "Mayo Deportes", URL: "https://devstreaming-cdn.apple.com/videos/streaming/examples/bipbop_4x3/bipbop_4x3_variant.m3u8", Height: intPtr(480)},
		},
		Channels: []models.ChannelMetadata{
			{ID: "MayoNews.us", Name: "Mayo News", Country: "US", Categories: []string{"news"}, Languages: []string{"eng"}},
			{ID: "MayoMusique.fr", Name: "Mayo Musique", Country: "FR", Categories: []string{"music"}, Languages: []string{"fra"}},
			{ID: "MayoDeportes.es", Name: "Mayo Deportes", Country: "ES", Categories: []string{"sports"}, Languages: []string{"spa"}},
		},
		Countries: []models.Country{
			{Code: "US", Name: "United States", Flag: "🇺🇸"},
			{Code: "FR", Name: "France", Flag: "🇫🇷"},
			{Code: "ES", Name: "Spain", Flag: "🇪🇸"},
		},
		Categories: []models.Category{
			{ID: "news", Name: "News"},
			{ID: "music", Name: "Music"},
			{ID: "sports", Name: "Sports"},
		},
		Languages: []models.Language{
			{Code: "eng", Name: "English"},
			{Code: "fra", Name: "French"},
			{Code: "spa", Name: "Spanish"},
		},
	})
}
