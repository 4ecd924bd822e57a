// Command vagabond's link preview fetcher (Supplement 1): when a chat
// message contains an http(s) URL, fetch the page and extract OpenGraph
// metadata for a LinkPreview broadcast. Implements dispatcher.LinkPreviewer
// so the fetch runs off the chat handler's own goroutine.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// linkPreviewTimeout bounds how long a single fetch may take. Chat delivery
// itself never waits on this (dispatcher.handleChatMessage runs Preview in
// its own goroutine); it only bounds how stale a straggling fetch can get.
const linkPreviewTimeout = 4 * time.Second

// linkPreviewMaxBody caps how much of a page we read looking for <head>
// metadata.
const linkPreviewMaxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// linkPreview is the wire payload for a TypeLinkPreview record (§6,
// Supplement 1).
type linkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"description,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}

// linkPreviewFetcher implements dispatcher.LinkPreviewer by fetching the
// first URL found in a chat message and extracting OpenGraph metadata.
type linkPreviewFetcher struct {
	client *http.Client
}

func newLinkPreviewFetcher() *linkPreviewFetcher {
	return &linkPreviewFetcher{
		client: &http.Client{
			Timeout: linkPreviewTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Preview implements dispatcher.LinkPreviewer. A fetch or parse failure is
// logged and treated as "no preview" rather than surfaced to the caller;
// a chat message is never held up or rejected over a bad link.
func (f *linkPreviewFetcher) Preview(text string) ([]byte, bool) {
	url := urlPattern.FindString(text)
	if url == "" {
		return nil, false
	}

	lp, err := f.fetch(url)
	if err != nil {
		log.Printf("[linkpreview] %s: %v", url, err)
		return nil, false
	}

	payload, err := json.Marshal(lp)
	if err != nil {
		log.Printf("[linkpreview] marshal %s: %v", url, err)
		return nil, false
	}
	return payload, true
}

func (f *linkPreviewFetcher) fetch(rawURL string) (linkPreview, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return linkPreview{}, err
	}
	req.Header.Set("User-Agent", "vagabond-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return linkPreview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return linkPreview{URL: rawURL}, nil
	}

	body := io.LimitReader(resp.Body, linkPreviewMaxBody)
	return parseOGTags(rawURL, body)
}

// parseOGTags walks the HTML token stream looking for OpenGraph <meta> tags
// and a fallback <title>, stopping as soon as <body> opens.
func parseOGTags(rawURL string, r io.Reader) (linkPreview, error) {
	lp := linkPreview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText string

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if lp.Title == "" && titleText != "" {
				lp.Title = titleText
			}
			return lp, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)

			if tag == "title" {
				inTitle = true
				continue
			}
			if tag == "body" {
				if lp.Title == "" && titleText != "" {
					lp.Title = titleText
				}
				return lp, nil
			}
			if tag == "meta" && hasAttr {
				parseMeta(tokenizer, &lp)
			}

		case html.TextToken:
			if inTitle {
				titleText += string(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

func parseMeta(tokenizer *html.Tokenizer, lp *linkPreview) {
	var property, name, content string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	if content == "" {
		return
	}

	switch property {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Desc = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if name == "description" && lp.Desc == "" {
		lp.Desc = content
	}
}
