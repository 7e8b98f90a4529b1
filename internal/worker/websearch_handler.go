package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

const (
	duckDuckGoURL = "https://api.duckduckgo.com/"
	braveURL      = "https://api.search.brave.com/res/v1/web/search"
)

// WebSearchHandler queries DuckDuckGo's instant answer API, or Brave when a
// key is configured and requested. Outbound calls share one rate limiter.
type WebSearchHandler struct {
	client        *http.Client
	braveKey      string
	limiter       *rate.Limiter
	duckDuckGoURL string
	braveURL      string
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func NewWebSearchHandler(client *http.Client, braveKey string, rps float64) *WebSearchHandler {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &WebSearchHandler{
		client:        client,
		braveKey:      braveKey,
		limiter:       rate.NewLimiter(limit, 1),
		duckDuckGoURL: duckDuckGoURL,
		braveURL:      braveURL,
	}
}

func (h *WebSearchHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.WebSearchInput](job)
	if err != nil {
		return nil, err
	}
	provider := in.Provider
	if provider == "" {
		provider = "duckduckgo"
		if h.braveKey != "" {
			provider = "brave"
		}
	}
	limit := intOr(in.MaxResults, 5)

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var results []searchResult
	switch provider {
	case "brave":
		if h.braveKey == "" {
			return nil, Fail(models.CodeNotConfigured, "brave search requires BRAVE_API_KEY")
		}
		results, err = h.brave(ctx, in.Query, limit)
	default:
		results, err = h.duckDuckGo(ctx, in.Query)
	}
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []searchResult{}
	}
	return map[string]any{"query": in.Query, "provider": provider, "results": results}, nil
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

func (h *WebSearchHandler) duckDuckGo(ctx context.Context, query string) ([]searchResult, error) {
	params := url.Values{"q": {query}, "format": {"json"}, "no_html": {"1"}, "skip_disambig": {"1"}}
	var body ddgResponse
	if err := h.getJSON(ctx, h.duckDuckGoURL+"?"+params.Encode(), nil, &body); err != nil {
		return nil, err
	}
	var out []searchResult
	if body.AbstractText != "" {
		out = append(out, searchResult{Title: body.Heading, URL: body.AbstractURL, Snippet: body.AbstractText})
	}
	var walk func([]ddgTopic)
	walk = func(topics []ddgTopic) {
		for _, t := range topics {
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			if t.FirstURL == "" {
				continue
			}
			title, _, _ := strings.Cut(t.Text, " - ")
			out = append(out, searchResult{Title: title, URL: t.FirstURL, Snippet: t.Text})
		}
	}
	walk(body.RelatedTopics)
	return out, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (h *WebSearchHandler) brave(ctx context.Context, query string, limit int) ([]searchResult, error) {
	params := url.Values{"q": {query}, "count": {fmt.Sprint(limit)}}
	headers := map[string]string{"X-Subscription-Token": h.braveKey, "Accept": "application/json"}
	var body braveResponse
	if err := h.getJSON(ctx, h.braveURL+"?"+params.Encode(), headers, &body); err != nil {
		return nil, err
	}
	out := make([]searchResult, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

func (h *WebSearchHandler) getJSON(ctx context.Context, target string, headers map[string]string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build search request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Fail(models.CodeExecutionFailed, "search provider returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return Fail(models.CodeExecutionFailed, "decode search response: %v", err)
	}
	return nil
}
