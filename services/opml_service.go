package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/gilliek/go-opml/opml"

	"github.com/manualdousuario/sintoniza/models"
)

// OPMLService serializes a user's active subscriptions to OPML and
// subscribes a user to every feed of an uploaded document. Export is a
// derived read-only view; it never touches the write path.
type OPMLService struct {
	subscriptionService *SubscriptionService
}

func NewOPMLService(subscriptionService *SubscriptionService) *OPMLService {
	return &OPMLService{subscriptionService: subscriptionService}
}

// ImportResult holds the results of an OPML import operation.
type ImportResult struct {
	TotalFeeds    int      `json:"total_feeds"`
	ImportedFeeds int      `json:"imported_feeds"`
	SkippedFeeds  int      `json:"skipped_feeds"`
	Errors        []string `json:"errors,omitempty"`
}

// ImportOPML subscribes the user to every feed URL in the document.
func (os *OPMLService) ImportOPML(ctx context.Context, userID int, opmlData []byte) (*ImportResult, error) {
	var doc opml.OPML
	if err := xml.Unmarshal(opmlData, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %v", err)
	}

	result := &ImportResult{Errors: make([]string, 0)}

	var urls []string
	for _, outline := range doc.Body.Outlines {
		urls = collectFeedURLs(&outline, urls)
	}
	result.TotalFeeds = len(urls)

	current, err := os.subscriptionService.GetSubscriptions(userID, 0)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(current.Add))
	for _, url := range current.Add {
		have[url] = true
	}

	var adds []string
	for _, url := range urls {
		if sanitized := SanitizeURL(url); sanitized == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("invalid feed URL: %s", url))
		} else if have[sanitized] {
			result.SkippedFeeds++
		} else {
			adds = append(adds, sanitized)
		}
	}

	if len(adds) > 0 {
		if _, err := os.subscriptionService.ApplyChanges(ctx, userID, adds, nil); err != nil {
			return nil, err
		}
		result.ImportedFeeds = len(adds)
	}

	log.Printf("OPML import for user %d: %d total, %d imported, %d skipped",
		userID, result.TotalFeeds, result.ImportedFeeds, result.SkippedFeeds)
	return result, nil
}

func collectFeedURLs(outline *opml.Outline, urls []string) []string {
	if outline.XMLURL != "" {
		urls = append(urls, outline.XMLURL)
	}
	for i := range outline.Outlines {
		urls = collectFeedURLs(&outline.Outlines[i], urls)
	}
	return urls
}

// ExportOPML renders the user's active subscriptions as a flat OPML
// document.
func (os *OPMLService) ExportOPML(user *models.User) ([]byte, error) {
	subs, err := os.subscriptionService.ListActiveSubscriptions(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %v", err)
	}

	doc := opml.OPML{
		Version: "2.0",
		Head: opml.Head{
			Title:       fmt.Sprintf("Podcast subscriptions of %s", user.Name),
			DateCreated: time.Now().Format(time.RFC1123Z),
			OwnerName:   user.Name,
		},
		Body: opml.Body{
			Outlines: make([]opml.Outline, 0, len(subs)),
		},
	}

	for _, sub := range subs {
		title := sub.URL
		if sub.Title != nil && *sub.Title != "" {
			title = *sub.Title
		}
		description := ""
		if sub.Description != nil {
			description = *sub.Description
		}
		doc.Body.Outlines = append(doc.Body.Outlines, opml.Outline{
			Type:        "rss",
			Title:       title,
			Text:        title,
			XMLURL:      sub.URL,
			Description: description,
		})
	}

	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OPML: %v", err)
	}
	return []byte(xml.Header + string(xmlData)), nil
}
