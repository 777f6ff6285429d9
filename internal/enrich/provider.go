// Package enrich defines the person-enrichment capability the batch runner
// calls and an HTTP client for providers that speak JSON.
package enrich

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

	"leadflow/internal/domain"
	"leadflow/internal/retry"
)

// Provider looks up contact facts for a batch of people. Results are
// positional: result i answers record i, and a miss is a result with
// Found=false rather than a gap.
type Provider interface {
	Lookup(ctx context.Context, records []Record) ([]Result, error)
}

type Record struct {
	LeadID      string `json:"lead_id"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// RecordFor builds the lookup input for a lead. A lead that could not be
// loaded still gets a record keyed by its id.
func RecordFor(id string, l *domain.Lead) Record {
	if l == nil {
		return Record{LeadID: id}
	}
	return Record{
		LeadID:      id,
		FirstName:   l.FirstName,
		LastName:    l.LastName,
		CompanyName: l.CompanyName,
		Phone:       l.Phone,
		Email:       l.Email,
	}
}

const PhoneMobile = "mobile"

type Phone struct {
	Number string `json:"number"`
	Type   string `json:"type,omitempty"`
}

type Result struct {
	LeadID  string   `json:"lead_id"`
	Found   bool     `json:"found"`
	Phones  []Phone  `json:"phones,omitempty"`
	Emails  []string `json:"emails,omitempty"`
	Company string   `json:"company,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Success reports whether the lookup produced anything usable.
func (r Result) Success() bool {
	return r.Found && r.Error == "" && (len(r.Phones) > 0 || len(r.Emails) > 0)
}

// BestPhone picks the first mobile number, falling back to the first number.
func (r Result) BestPhone() string {
	for _, p := range r.Phones {
		if strings.EqualFold(p.Type, PhoneMobile) && p.Number != "" {
			return p.Number
		}
	}
	for _, p := range r.Phones {
		if p.Number != "" {
			return p.Number
		}
	}
	return ""
}

func (r Result) FirstEmail() string {
	for _, e := range r.Emails {
		if e != "" {
			return e
		}
	}
	return ""
}

func (r Result) PhoneNumbers() []string {
	out := make([]string, 0, len(r.Phones))
	for _, p := range r.Phones {
		if p.Number != "" {
			out = append(out, p.Number)
		}
	}
	return out
}

// HTTPProvider posts a batch to {BaseURL}/lookup as {"records": [...]} and
// expects {"results": [...]} back in the same order.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Retry   retry.Policy
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
		Retry:   policy,
	}
}

type lookupRequest struct {
	Records []Record `json:"records"`
}

type lookupResponse struct {
	Results []Result `json:"results"`
}

// errPermanent marks failures a second attempt cannot fix.
var errPermanent = errors.New("permanent provider failure")

func (p *HTTPProvider) Lookup(ctx context.Context, records []Record) ([]Result, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: enrichment provider url missing", domain.ErrConfiguration)
	}
	if len(records) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(lookupRequest{Records: records})
	if err != nil {
		return nil, err
	}

	var results []Result
	err = p.Retry.Do(ctx, func(err error) bool {
		return !errors.Is(err, errPermanent) && !errors.Is(err, domain.ErrConfiguration)
	}, func(ctx context.Context) error {
		out, err := p.post(ctx, payload)
		if err != nil {
			return err
		}
		results = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(results) != len(records) {
		return nil, fmt.Errorf("%w: provider returned %d results for %d records", errPermanent, len(results), len(records))
	}
	return results, nil
}

func (p *HTTPProvider) post(ctx context.Context, payload []byte) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/lookup", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-API-Key", p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "lookup", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &domain.TransportError{Op: "lookup", Err: fmt.Errorf("read response: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: provider rejected credentials (HTTP %d)", domain.ErrConfiguration, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.TransportError{Op: "lookup", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out lookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errPermanent, err)
	}
	return out.Results, nil
}
