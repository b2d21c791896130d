package playlist

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/voyagen/mayotv/internal/models"
)

// attrReplacer keeps attribute values inside their double quotes.
var attrReplacer = strings.NewReplacer(`"`, "'", "\r", " ", "\n", " ")

// WriteM3U writes channels as an extended M3U playlist. Each entry
// carries tvg-name, tvg-logo, tvg-country and group-title attributes so
// players can rebuild the same grouping.
func WriteM3U(w io.Writer, channels []models.Channel) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("#EXTM3U\n"); err != nil {
		return err
	}
	for _, ch := range channels {
		url := strings.TrimSpace(ch.URL)
		// A line break inside the URL would start a new playlist line.
		if url == "" || strings.ContainsAny(url, "\r\n") {
			continue
		}
		if _, err := fmt.Fprintf(bw, "#EXTINF:-1%s,%s\n%s\n", attributes(ch), displayName(ch), url); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func attributes(ch models.Channel) string {
	var b strings.Builder
	attr := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, ` %s="%s"`, name, attrReplacer.Replace(value))
	}
	attr("tvg-name", ch.Name)
	attr("tvg-logo", ch.Logo)
	if ch.CountryCode != nil {
		attr("tvg-country", *ch.CountryCode)
	}
	group := ch.Group
	if ch.CountryName != nil {
		group = *ch.CountryName
	}
	attr("group-title", group)
	return b.String()
}

// displayName is the text after the comma; quality is appended when known.
func displayName(ch models.Channel) string {
	name := strings.Join(strings.Fields(ch.Name), " ")
	if ch.Quality != nil {
		if q := strings.Join(strings.Fields(*ch.Quality), " "); q != "" {
			name = fmt.Sprintf("%s (%s)", name, q)
		}
	}
	return name
}
