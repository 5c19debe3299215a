package fia

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/WessleyAI/compound-finder/engine/domain"
	"github.com/WessleyAI/compound-finder/pkg/fn"
)

const eventPathFmt = "/documents/championships/fia-formula-one-world-championship-14/season/season-%s/event/%s Grand Prix"

// docLinkRegex captures the href of every PDF link, without the extension.
var docLinkRegex = regexp.MustCompile(`href="(.+?).pdf"`)

// eventNoteKeywords mark a document as a race director's event note or a
// Pirelli preview, the two places the compound selection is published.
var eventNoteKeywords = []string{"event notes", "pirelli"}

// EventURL builds the event page URL for a Grand Prix. The race name is title
// cased ("abu dhabi" becomes "Abu Dhabi").
func (c *Client) EventURL(year int, race string) (string, error) {
	seg, err := domain.SeasonSegment(year)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("fia: parse base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf(eventPathFmt, seg, titleCase(race))
	return u.String(), nil
}

// FindEventNotes fetches the event page and returns the path fragments of the
// PDFs that look like event notes, in page order. The request is not retried.
func (c *Client) FindEventNotes(ctx context.Context, year int, race string) ([]string, error) {
	pageURL, err := c.EventURL(year, race)
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, pageURL, "index")
	if err != nil {
		return nil, fmt.Errorf("fia: get event page: %w", err)
	}
	status := resp.StatusCode
	body, err := c.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fia: read event page: %w", err)
	}
	if status < 200 || status > 299 {
		c.log.Warn("fia: event page returned non-success status", "url", pageURL, "status", status)
	}

	docs := ExtractEventNoteLinks(string(body))
	c.mLocated.Add(int64(len(docs)))
	c.log.Debug("fia: event page scanned", "url", pageURL, "documents", len(docs))
	return docs, nil
}

// ExtractEventNoteLinks returns the href fragments (".pdf" stripped) whose text
// mentions event notes or Pirelli, case-insensitively, in document order.
func ExtractEventNoteLinks(html string) []string {
	matches := docLinkRegex.FindAllStringSubmatch(html, -1)
	links := fn.Map(matches, func(m []string) string { return m[1] })
	return fn.Filter(links, isEventNote)
}

func isEventNote(link string) bool {
	lower := strings.ToLower(link)
	for _, kw := range eventNoteKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}
