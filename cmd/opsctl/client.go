package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/internal/http/middleware"
)

// tokenTTL bounds tokens minted on the fly from the signing secret.
const tokenTTL = 5 * time.Minute

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token, secret string, timeout time.Duration) (*adminClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if token == "" {
		if secret == "" {
			return nil, fmt.Errorf("either --token or --secret is required")
		}
		minted, err := middleware.IssueAdminToken(secret, "opsctl", tokenTTL, time.Now())
		if err != nil {
			return nil, err
		}
		token = minted
	}
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// do sends body as JSON and returns the raw response body. 4xx answers that
// still carry a decision (a blocked send) come back as *APIError with the body.
func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *adminClient) send(ctx context.Context, req sendRequest) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/admin/outbound/send", nil, req)
}

func (c *adminClient) getMode(ctx context.Context, conversationID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/admin/conversations/"+url.PathEscape(conversationID)+"/mode", nil, nil)
}

func (c *adminClient) setMode(ctx context.Context, conversationID, mode, reason string) ([]byte, error) {
	body := map[string]string{"mode": mode, "reason": reason}
	return c.do(ctx, http.MethodPut, "/admin/conversations/"+url.PathEscape(conversationID)+"/mode", nil, body)
}

func (c *adminClient) audit(ctx context.Context, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/admin/audit", query, nil)
}

func (c *adminClient) tasks(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/admin/tasks", nil, nil)
}

// prettyJSON indents data when it is JSON and returns it untouched otherwise.
func prettyJSON(data []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return string(data)
	}
	return out.String()
}
