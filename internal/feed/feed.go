// Package feed reads the append-only DA submission feed page by page.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PageSize is how many submissions one feed request asks for.
const PageSize = 1000

const transactionsQuery = `query DataAvailabilityTransactions($after: String, $first: Int!, $tags: [TagFilter!]) {
  transactions(after: $after, first: $first, order: ASC, tags: $tags) {
    edges { node { id } }
    pageInfo { endCursor hasNextPage }
  }
}`

// Submission is one feed entry.
type Submission struct {
	ID string `json:"id"`
}

// Edge wraps a submission the way the feed returns it.
type Edge struct {
	Node Submission `json:"node"`
}

// PageInfo carries the pagination cursor. EndCursor is empty when the page has no entries.
type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// Page is one feed response.
type Page struct {
	Edges    []Edge   `json:"edges"`
	PageInfo PageInfo `json:"pageInfo"`
}

// IDs returns the submission ids in feed order.
func (p *Page) IDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Edges))
	for _, e := range p.Edges {
		if e.Node.ID != "" {
			ids = append(ids, e.Node.ID)
		}
	}
	return ids
}

// Client queries the feed's GraphQL endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient builds a feed client for url.
func NewClient(url string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, errors.New("feed url required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}, nil
}

type tagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data struct {
		Transactions *Page `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetTransactions returns the page after cursor. An empty cursor starts at the beginning of the feed.
func (c *Client) GetTransactions(ctx context.Context, environment, deployment, cursor string) (*Page, error) {
	tags := []tagFilter{{Name: "Environment", Values: []string{environment}}}
	if deployment != "" {
		tags = append(tags, tagFilter{Name: "Deployment", Values: []string{deployment}})
	}
	vars := map[string]any{"first": PageSize, "tags": tags}
	if cursor != "" {
		vars["after"] = cursor
	}
	body, err := json.Marshal(gqlRequest{Query: transactionsQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("encode feed query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new feed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed http status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode feed response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("feed query: %s", strings.Join(msgs, "; "))
	}
	if out.Data.Transactions == nil {
		return nil, errors.New("feed response missing transactions")
	}
	return out.Data.Transactions, nil
}

// Ping issues a minimal query to confirm the feed answers.
func (c *Client) Ping(ctx context.Context) error {
	body, _ := json.Marshal(gqlRequest{Query: "{ __typename }"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new feed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feed http status %d", resp.StatusCode)
	}
	return nil
}
