package ledger

import (
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

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("ledger service unavailable")

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the ledger's REST API
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the circuit breaker in front of the ledger
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// DefaultBreakerSettings returns the settings used by NewHTTPClient
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// NewHTTPClient creates a ledger client with the default breaker settings
func NewHTTPClient(baseURL, apiKey string) (*HTTPClient, error) {
	return NewHTTPClientWithBreaker(baseURL, apiKey, &http.Client{Timeout: 15 * time.Second}, DefaultBreakerSettings())
}

// NewHTTPClientWithBreaker creates a ledger client with a custom HTTP client and breaker
func NewHTTPClientWithBreaker(baseURL, apiKey string, httpClient *http.Client, settings BreakerSettings) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ledger base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing ledger base url: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger",
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
		breaker: breaker,
	}, nil
}

// response is a non-5xx answer from the ledger
type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// message extracts the ledger's message from an error body
func (r *response) message() string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fmt.Sprintf("ledger returned status %d", r.status)
}

// do sends a request through the breaker. Only transport failures and 5xx
// responses count against the breaker; 4xx answers are returned to the caller.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return result.(*response), nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body any) (*response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ledger API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("ledger API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return &response{status: resp.StatusCode, body: data}, nil
}

func tenantPath(tenant, resource string) string {
	return "/api/tenants/" + url.PathEscape(tenant) + "/" + resource
}

// ListWallets returns every wallet of the tenant
func (c *HTTPClient) ListWallets(ctx context.Context, tenant string) ([]Wallet, error) {
	resp, err := c.do(ctx, http.MethodGet, tenantPath(tenant, "wallets"), nil)
	if err != nil {
		return nil, fmt.Errorf("listing wallets: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("listing wallets: %s", resp.message())
	}

	var payload struct {
		Wallets []Wallet `json:"wallets"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, fmt.Errorf("decoding wallets: %w", err)
	}
	if payload.Wallets == nil {
		payload.Wallets = []Wallet{}
	}
	return payload.Wallets, nil
}

// CreateWallet creates a wallet for the tenant
func (c *HTTPClient) CreateWallet(ctx context.Context, tenant string, wallet NewWallet) (*CreateWalletResult, error) {
	resp, err := c.do(ctx, http.MethodPost, tenantPath(tenant, "wallets"), wallet)
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	if !resp.ok() {
		return &CreateWalletResult{Success: false, Message: resp.message()}, nil
	}

	var result CreateWalletResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("decoding wallet result: %w", err)
	}
	if result.Success && result.Wallet == nil {
		return &CreateWalletResult{Success: false, Message: "ledger did not return the created wallet"}, nil
	}
	return &result, nil
}

// transactionRequest is the wire format of a transaction
type transactionRequest struct {
	Amount        float64 `json:"amount"`
	Type          string  `json:"type"`
	Category      string  `json:"category"`
	Item          string  `json:"item"`
	Establishment string  `json:"establishment,omitempty"`
	Date          string  `json:"date,omitempty"`
	WalletID      string  `json:"walletId"`
}

// CreateTransaction records a transaction
func (c *HTTPClient) CreateTransaction(ctx context.Context, tenant string, tx Transaction) (*TransactionResult, error) {
	body := transactionRequest{
		Amount:        tx.Amount.Round(2).InexactFloat64(),
		Type:          tx.Type,
		Category:      tx.Category,
		Item:          tx.Item,
		Establishment: tx.Establishment,
		Date:          tx.Date,
		WalletID:      tx.WalletID,
	}

	resp, err := c.do(ctx, http.MethodPost, tenantPath(tenant, "transactions"), body)
	if err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	if !resp.ok() {
		return &TransactionResult{Success: false, Message: resp.message()}, nil
	}

	var result TransactionResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("decoding transaction result: %w", err)
	}
	return &result, nil
}
