package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Feature ids the ledger meters.
const (
	FeatLLMUsage        = "llm_usage"
	FeatWebScrape       = "web_scrape"
	FeatWebSearch       = "web_search"
	FeatImageGeneration = "images_generation"
	FeatVideoGeneration = "video_generation"
	FeatPeopleSearch    = "people_search"
	FeatCompanySearch   = "company_search"
)

// Balance is a company's credit state as the ledger reports it.
type Balance struct {
	TokenTotal int64 `json:"tokenTotal"`
	TokenUsed  int64 `json:"tokenUsed"`
}

// Remaining returns the credits left.
func (b Balance) Remaining() int64 { return b.TokenTotal - b.TokenUsed }

// DeductRequest is one charge against a company's balance.
type DeductRequest struct {
	CompanyID string `json:"companyId"`
	UserID    string `json:"userId"`
	FeatID    string `json:"featId"`
	Value     int64  `json:"value"`
	MessageID string `json:"messageId"`
}

// LedgerClient talks to the external credit ledger.
type LedgerClient struct {
	baseURL string
	client  *http.Client
}

func NewLedgerClient(baseURL string, timeout time.Duration) *LedgerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetBalance fetches a company's credit balance.
func (c *LedgerClient) GetBalance(ctx context.Context, companyID string) (*Balance, error) {
	url := fmt.Sprintf("%s/api/v2/sales/agent/get/token/%s", c.baseURL, companyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create balance request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read balance response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Code int     `json:"code"`
		Data Balance `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode balance response: %w", err)
	}
	if parsed.Code != 200 {
		return nil, fmt.Errorf("ledger returned code %d", parsed.Code)
	}
	return &parsed.Data, nil
}

// Deduct charges credits. The ledger signals success only with code 200 and
// a literal true payload; anything else is a failure.
func (c *LedgerClient) Deduct(ctx context.Context, req DeductRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode deduct request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v2/sales/agent/reduce/token", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("create deduct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post deduction: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read deduct response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Code int  `json:"code"`
		Data bool `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode deduct response: %w", err)
	}
	if parsed.Code != 200 || !parsed.Data {
		return fmt.Errorf("ledger rejected deduction (code %d, data %v)", parsed.Code, parsed.Data)
	}
	return nil
}
