// Package assembler builds the renderer-ready bundle of spec.md §4.7
// (component C7): strip unsafe tags from the HTML shell, collect CSS/JS
// bodies, and enforce the 5 MiB size bound.
//
// Tag stripping is regex-based in the same spirit as the teacher's
// url.go: simple, conservative RE2 patterns do the bulk extraction, and
// anything RE2 can't express (there is nothing that needs more here) is
// left to plain Go code around the match.
package assembler

import (
	"encoding/json"
	"regexp"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/errs"
)

var (
	cspMetaRe   = regexp.MustCompile(`(?is)<meta[^>]*http-equiv\s*=\s*["']?Content-Security-Policy["']?[^>]*>`)
	stylesheetRe = regexp.MustCompile(`(?is)<link[^>]*rel\s*=\s*["']?stylesheet["']?[^>]*>`)
	scriptRe     = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
)

// Categorized is the output of the resolver's asset-fetch stage: the
// assets grouped by role, as spec.md §4.8's fetchAssets operation
// describes.
type Categorized struct {
	HTML  *nostr.Event
	CSS   []*nostr.Event
	JS    []*nostr.Event
	Other []*nostr.Event
}

// Bundle is the assembled document handed to the (out-of-scope) renderer,
// per spec.md §6's "Assembled bundle envelope".
type Bundle struct {
	HTML         string         `json:"html"`
	CSS          []string       `json:"css"`
	JS           []string       `json:"js"`
	ManifestMeta map[string]any `json:"manifestMeta"`
	SiteIndexID  string         `json:"_siteIndexId"`
}

// Assemble strips CSP meta tags, stylesheet links, and script blocks
// from the HTML shell, collects CSS/JS bodies in manifest order, and
// enforces the MAX_CONTENT_SIZE bound. manifestContent is the page
// manifest event's raw JSON content, parsed here for its metadata
// object (spec.md §3: `{ csp?, title?, … }`).
func Assemble(assets Categorized, manifestContent string, siteIndexID string, maxContentSize int64) (*Bundle, error) {
	if assets.HTML == nil {
		return nil, errs.New(errs.NoHTML, "no text/html asset in manifest")
	}

	html := assets.HTML.Content
	html = cspMetaRe.ReplaceAllString(html, "")
	html = stylesheetRe.ReplaceAllString(html, "")
	html = scriptRe.ReplaceAllString(html, "")

	css := make([]string, 0, len(assets.CSS))
	var cssBytes int64
	for _, ev := range assets.CSS {
		css = append(css, ev.Content)
		cssBytes += int64(len(ev.Content))
	}

	js := make([]string, 0, len(assets.JS))
	var jsBytes int64
	for _, ev := range assets.JS {
		js = append(js, ev.Content)
		jsBytes += int64(len(ev.Content))
	}

	total := int64(len(html)) + cssBytes + jsBytes
	if total > maxContentSize {
		return nil, errs.WithDetails(errs.BundleTooLarge, "assembled bundle exceeds the content size bound",
			map[string]any{"bytes": total, "max": maxContentSize})
	}

	var meta map[string]any
	if manifestContent != "" {
		_ = json.Unmarshal([]byte(manifestContent), &meta)
	}

	return &Bundle{
		HTML:         html,
		CSS:          css,
		JS:           js,
		ManifestMeta: meta,
		SiteIndexID:  siteIndexID,
	}, nil
}

// Categorize groups fetched asset events by their declared MIME (the
// "m" tag). When more than one text/html asset is present, the last one
// in manifest/tag order wins — a deterministic, documented resolution of
// the boundary case spec.md §8 leaves to the implementation.
func Categorize(events []*nostr.Event) Categorized {
	var out Categorized
	for _, ev := range events {
		mime := tagValue(ev, "m")
		switch mime {
		case "text/html":
			out.HTML = ev
		case "text/css":
			out.CSS = append(out.CSS, ev)
		case "application/javascript", "text/javascript":
			out.JS = append(out.JS, ev)
		default:
			out.Other = append(out.Other, ev)
		}
	}
	return out
}

// Events flattens a Categorized back into the full asset list, in
// HTML-then-CSS-then-JS-then-Other order, for callers (the integrity
// verifier) that need every fetched asset regardless of role.
func (c Categorized) Events() []*nostr.Event {
	events := make([]*nostr.Event, 0, 1+len(c.CSS)+len(c.JS)+len(c.Other))
	if c.HTML != nil {
		events = append(events, c.HTML)
	}
	events = append(events, c.CSS...)
	events = append(events, c.JS...)
	events = append(events, c.Other...)
	return events
}

func tagValue(ev *nostr.Event, key string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}
