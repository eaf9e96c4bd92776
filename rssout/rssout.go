// Package rssout regenerates the public RSS document from the currently
// active alerts. The file is rebuilt whole on every run and replaced
// atomically; it is the canonical externally visible artifact of the bot.
package rssout

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultMaxItems   = 25
	maxDescriptionLen = 2000
)

// Item is one alert entry in the generated document.
type Item struct {
	Title       string
	Link        string
	GUID        string
	Description string
	PubDate     time.Time
}

// Writer regenerates the RSS file.
type Writer struct {
	path        string
	title       string
	link        string
	description string
	maxItems    int
}

// NewWriter creates a writer for the RSS file at path.
func NewWriter(path, title, link, description string, maxItems int) *Writer {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &Writer{path: path, title: title, link: link, description: description, maxItems: maxItems}
}

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	Language      string    `xml:"language"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate"`
	Description string  `xml:"description"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Write rebuilds the document from items (expected newest first) and
// atomically replaces the file. With no items the document still renders,
// carrying only the channel header: "no active alerts".
func (w *Writer) Write(items []Item, now time.Time) error {
	if len(items) > w.maxItems {
		items = items[:w.maxItems]
	}

	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:         w.title,
			Link:          w.link,
			Description:   w.description,
			Language:      "en-ca",
			LastBuildDate: now.UTC().Format(time.RFC1123Z),
		},
	}
	for _, it := range items {
		pub := it.PubDate
		if pub.IsZero() {
			pub = now
		}
		doc.Channel.Items = append(doc.Channel.Items, rssItem{
			Title:       it.Title,
			Link:        it.Link,
			GUID:        rssGUID{IsPermaLink: "false", Value: it.GUID},
			PubDate:     pub.UTC().Format(time.RFC1123Z),
			Description: truncate(it.Description, maxDescriptionLen),
		})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rss: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".rss-*.xml")
	if err != nil {
		return fmt.Errorf("create temp rss file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write rss: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp rss file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace rss file: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
