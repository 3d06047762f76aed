package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SettleRequest claims that a payment has been made for an investment.
type SettleRequest struct {
	Mode            string `json:"mode"`
	FarmID          string `json:"farm_id,omitempty"`
	InvestorID      string `json:"investor_id"`
	TokenAmount     int64  `json:"token_amount"`
	TransactionHash string `json:"transaction_hash"`
	WalletAddress   string `json:"wallet_address"`
}

// Investment is a settled purchase.
type Investment struct {
	ID              string          `json:"id"`
	InvestorID      string          `json:"investor_id"`
	InvestorWallet  string          `json:"investor_wallet"`
	FarmID          *string         `json:"farm_id,omitempty"`
	Mode            string          `json:"mode"`
	Amount          int64           `json:"amount"`
	TokenQuantity   int64           `json:"token_quantity"`
	Percentage      *float64        `json:"percentage,omitempty"`
	TransactionHash string          `json:"transaction_hash"`
	BlockNumber     int64           `json:"block_number"`
	Status          string          `json:"status"`
	Distributions   json.RawMessage `json:"distributions,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transaction is the ledger record of a settled payment.
type Transaction struct {
	ID              string          `json:"id"`
	FromID          string          `json:"from_id"`
	FromWallet      string          `json:"from_wallet"`
	ToID            *string         `json:"to_id,omitempty"`
	ToWallet        string          `json:"to_wallet"`
	Amount          int64           `json:"amount"`
	Type            string          `json:"type"`
	TransactionHash string          `json:"transaction_hash"`
	Status          string          `json:"status"`
	BlockNumber     int64           `json:"block_number"`
	BlockTime       *time.Time      `json:"block_time,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Farm is an investable agricultural asset.
type Farm struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	TokenID           *string   `json:"token_id,omitempty"`
	PaymentAddress    *string   `json:"payment_address,omitempty"`
	TokenPrice        int64     `json:"token_price"`
	InvestmentGoal    int64     `json:"investment_goal"`
	CurrentInvestment int64     `json:"current_investment"`
	InvestorsCount    int64     `json:"investors_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// MintResult is the outcome of one mint.
type MintResult struct {
	Recipient       string `json:"recipient"`
	FarmID          string `json:"farm_id,omitempty"`
	Amount          int64  `json:"amount"`
	Succeeded       bool   `json:"succeeded"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Settlement is the response to a successful Settle call.
type Settlement struct {
	Investment          *Investment  `json:"investment"`
	Transaction         *Transaction `json:"transaction,omitempty"`
	MintBreakdown       []MintResult `json:"mint_breakdown"`
	TransactionHash     string       `json:"transaction_hash"`
	RecipientsSupported int          `json:"recipients_supported"`
	Remainder           int64        `json:"remainder"`
}

// FailedMints returns the mints that did not succeed.
func (s *Settlement) FailedMints() []MintResult {
	var failed []MintResult
	for _, m := range s.MintBreakdown {
		if !m.Succeeded {
			failed = append(failed, m)
		}
	}
	return failed
}

// SettlementEvent is a completed settlement as streamed by the server.
type SettlementEvent struct {
	TransactionHash     string    `json:"transaction_hash"`
	Mode                string    `json:"mode"`
	InvestorID          string    `json:"investor_id"`
	WalletAddress       string    `json:"wallet_address"`
	FarmID              *string   `json:"farm_id,omitempty"`
	Amount              int64     `json:"amount"`
	TokenQuantity       int64     `json:"token_quantity"`
	RecipientsSupported int       `json:"recipients_supported"`
	MintsSucceeded      int       `json:"mints_succeeded"`
	MintsFailed         int       `json:"mints_failed"`
	Remainder           int64     `json:"remainder"`
	InvestmentID        string    `json:"investment_id"`
	BlockNumber         int64     `json:"block_number"`
	SettledAt           time.Time `json:"settled_at"`
	PublishedAt         time.Time `json:"published_at"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Kind classifies settlement failures (validation, not_found, verification,
	// conflict, persistence).
	Kind   string
	Reason string
	Step   string
	// InvestmentID is set when a persistence failure left a recorded investment behind.
	InvestmentID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err says the payment was already settled.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the agrosettle settlement service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new settlement service client. Settlements can take
// minutes, so the default HTTP client has no overall timeout; use ctx.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Settle submits a payment claim and waits for the settlement outcome.
func (c *Client) Settle(ctx context.Context, req SettleRequest) (*Settlement, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/investments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out Settlement
	if err := c.do(httpReq, http.StatusCreated, &out); err != nil {
		return nil, err
	}

	c.logger.Debug("settlement completed",
		"transaction_hash", req.TransactionHash,
		"mode", req.Mode,
		"mints", len(out.MintBreakdown),
	)
	return &out, nil
}

// GetInvestment retrieves the investment settled by a payment hash.
func (c *Client) GetInvestment(ctx context.Context, hash string) (*Investment, error) {
	var out Investment
	if err := c.get(ctx, "/api/v1/investments/"+url.PathEscape(hash), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInvestments retrieves a page of an investor's investments, newest first.
func (c *Client) ListInvestments(ctx context.Context, investorID string, limit, offset int) ([]*Investment, error) {
	q := url.Values{}
	q.Set("investor_id", investorID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}

	var out struct {
		Investments []*Investment `json:"investments"`
	}
	if err := c.get(ctx, "/api/v1/investments", q, &out); err != nil {
		return nil, err
	}
	return out.Investments, nil
}

// GetTransaction retrieves the ledger transaction for a payment hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var out Transaction
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(hash), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEligibleFarms retrieves the farms a pooled settlement would currently mint to.
func (c *Client) ListEligibleFarms(ctx context.Context) ([]*Farm, error) {
	var out struct {
		Farms []*Farm `json:"farms"`
	}
	if err := c.get(ctx, "/api/v1/farms/eligible", nil, &out); err != nil {
		return nil, err
	}
	return out.Farms, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, http.StatusOK, nil)
}

// Await streams settlements for mode ("" for all) and returns the first event
// accepted by matcher. It blocks until a match arrives or ctx is done.
func (c *Client) Await(ctx context.Context, mode string, matcher func(*SettlementEvent) bool) (*SettlementEvent, error) {
	path := "/api/v1/stream/settlements"
	if mode != "" {
		path += "/" + url.PathEscape(mode)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType != "" && eventType != "settlement" {
				continue
			}
			var event SettlementEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				c.logger.Warn("failed to decode settlement event", "error", err)
				continue
			}
			if matcher == nil || matcher(&event) {
				return &event, nil
			}
		case line == "":
			eventType = ""
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching settlement arrived")
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, expected int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error        string `json:"error"`
		Kind         string `json:"kind"`
		Reason       string `json:"reason"`
		Step         string `json:"step"`
		InvestmentID string `json:"investment_id"`
	}

	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Kind = errResp.Kind
		apiErr.Reason = errResp.Reason
		apiErr.Step = errResp.Step
		apiErr.InvestmentID = errResp.InvestmentID
	}
	return apiErr
}
