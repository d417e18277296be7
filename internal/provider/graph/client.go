package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// DefaultBaseURL is the Microsoft Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Client is a thin JSON client for the Graph mail endpoints. It performs a
// single attempt per call and classifies failures; retries are the
// caller's concern.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client rooted at baseURL. httpClient must attach
// authorization, e.g. one built by oauth2.NewClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// errorResponse is the Graph error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Get performs a GET on path, or on an absolute URL such as an
// @odata.nextLink, and decodes the JSON response.
func (c *Client) Get(ctx context.Context, pathOrURL string, result any) error {
	return c.do(ctx, http.MethodGet, pathOrURL, nil, result)
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) do(ctx context.Context, method, pathOrURL string, body, result any) error {
	url := pathOrURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + pathOrURL
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Wrap(model.KindTransport, err, "executing request %s %s", method, pathOrURL)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Wrap(model.KindTransport, err, "reading response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var gerr errorResponse
		_ = json.Unmarshal(respBody, &gerr)
		reason := gerr.Error.Code
		if reason == "" {
			reason = strings.TrimSpace(string(respBody))
		}
		return provider.ClassifyStatus(resp.StatusCode, reason, resp.Header, "graph %s %s", method, pathOrURL)
	}

	if result == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", method, pathOrURL, err)
	}
	return nil
}
