package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var listeningRe = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// ParseListeningLine extracts the browser websocket endpoint from the line
// Chromium prints on stderr when remote debugging is enabled
func ParseListeningLine(line string) (string, bool) {
	m := listeningRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Target is one entry of the /json/list endpoint
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListTargets queries the HTTP endpoint that serves the browser websocket
func ListTargets(ctx context.Context, client *http.Client, browserWS string) ([]Target, error) {
	u, err := url.Parse(browserWS)
	if err != nil {
		return nil, fmt.Errorf("invalid devtools endpoint %q: %w", browserWS, err)
	}
	listURL := url.URL{Scheme: "http", Host: u.Host, Path: "/json/list"}
	if u.Scheme == "wss" {
		listURL.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list devtools targets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list devtools targets: %s", resp.Status)
	}

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode devtools targets: %w", err)
	}
	return targets, nil
}

// PageTarget picks the page the browser was launched with. It prefers a page
// whose URL starts with pageURL and falls back to the first page target.
func PageTarget(targets []Target, pageURL string) (Target, error) {
	var first *Target
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if pageURL != "" && strings.HasPrefix(t.URL, strings.TrimSuffix(pageURL, "/")) {
			return *t, nil
		}
		if first == nil {
			first = t
		}
	}
	if first == nil {
		return Target{}, fmt.Errorf("no page target among %d devtools targets", len(targets))
	}
	return *first, nil
}
