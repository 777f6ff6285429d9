package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadflow/internal/domain"
)

// Gateway talks to an HTTP messaging provider that accepts JSON on
// POST {base}/messages and POST {base}/calls and answers {"id": "..."}.
type Gateway struct {
	BaseURL string
	Token   string
	From    string
	Client  *http.Client
}

func NewGateway(baseURL, token, from string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		From:    from,
		Client:  &http.Client{Timeout: timeout},
	}
}

type smsRequest struct {
	From string   `json:"from,omitempty"`
	To   string   `json:"to"`
	Body string   `json:"body"`
	Tags []string `json:"tags,omitempty"`
}

type callRequest struct {
	From           string `json:"from,omitempty"`
	To             string `json:"to"`
	URL            string `json:"url"`
	StatusCallback string `json:"status_callback"`
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (g *Gateway) SendSMS(ctx context.Context, to, body string, tags []string) (string, error) {
	return g.post(ctx, "/messages", smsRequest{From: g.From, To: to, Body: body, Tags: tags})
}

func (g *Gateway) Dial(ctx context.Context, to, correlationURL, statusCallbackURL string) (string, error) {
	return g.post(ctx, "/calls", callRequest{From: g.From, To: to, URL: correlationURL, StatusCallback: statusCallbackURL})
}

func (g *Gateway) post(ctx context.Context, path string, payload any) (string, error) {
	if g.BaseURL == "" {
		return "", fmt.Errorf("%w: gateway url missing", domain.ErrConfiguration)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", &domain.TransportError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.TransportError{Op: "POST " + path, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: gateway rejected credentials (HTTP %d)", domain.ErrConfiguration, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", &domain.TransportError{Op: "POST " + path, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &domain.TransportError{Op: "POST " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &domain.TransportError{Op: "POST " + path, Err: fmt.Errorf("provider returned no id: %s", out.Error)}
	}
	return out.ID, nil
}
