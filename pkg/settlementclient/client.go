/**
 * @description
 * This package provides a client for the settlement gateway that moves money between
 * ledger accounts (book transfers) and out to bank counterparties (NIP transfers).
 * Every call runs behind a circuit breaker so a failing gateway is shed quickly.
 *
 * @dependencies
 * - github.com/sony/gobreaker: circuit breaking around outbound calls.
 * - go.uber.org/zap: structured logging.
 */
package settlementclient

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// TransferKind selects the settlement rail.
type TransferKind string

const (
	KindBook TransferKind = "book"
	KindNIP  TransferKind = "nip"
)

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("settlement gateway unavailable")

// TransferRequest describes one outbound transfer.
type TransferRequest struct {
	Kind TransferKind
	// SourceAccountID is the gateway account id of the payer.
	SourceAccountID string
	// DestinationID is a gateway account id for book transfers and a counterparty id for NIP.
	DestinationID string
	Amount        int64
	Reason        string
	Reference     string
}

// TransferResult is the gateway's acknowledgement of a transfer.
type TransferResult struct {
	ID     string
	Status string
	Fee    int64
}

type relationship struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type transferPayload struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency  string `json:"currency"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
			Reference string `json:"reference,omitempty"`
		} `json:"attributes"`
		Relationships struct {
			Account            relationship  `json:"account"`
			DestinationAccount *relationship `json:"destinationAccount,omitempty"`
			CounterParty       *relationship `json:"counterParty,omitempty"`
		} `json:"relationships"`
	} `json:"data"`
}

type transferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Fee    int64  `json:"fee"`
		} `json:"attributes"`
	} `json:"data"`
}

// APIError represents a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("settlement api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("settlement api error (status %d)", e.StatusCode)
}

// Options tunes the HTTP client and the circuit breaker.
type Options struct {
	Timeout          time.Duration
	MaxFailures      uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// Client is a client for the settlement gateway API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a new settlement gateway client.
func NewClient(baseURL, apiKey string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.HalfOpenRequests == 0 {
		opts.HalfOpenRequests = 1
	}
	logger = logger.With(zap.String("component", "settlement_client"))

	settings := gobreaker.Settings{
		Name:        "settlement-gateway",
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// Rejections from the gateway are answers, not outages.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

// InitiateTransfer submits a book or NIP transfer and returns the gateway reference.
func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doTransfer(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("transfer rejected by circuit breaker", zap.String("kind", string(req.Kind)))
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*TransferResult), nil
}

func buildPayload(req TransferRequest) (*transferPayload, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	if strings.TrimSpace(req.SourceAccountID) == "" || strings.TrimSpace(req.DestinationID) == "" {
		return nil, fmt.Errorf("transfer source and destination are required")
	}

	payload := &transferPayload{}
	payload.Data.Attributes.Currency = "NGN"
	payload.Data.Attributes.Amount = req.Amount
	payload.Data.Attributes.Reason = req.Reason
	payload.Data.Attributes.Reference = req.Reference
	payload.Data.Relationships.Account.Data.Type = "DepositAccount"
	payload.Data.Relationships.Account.Data.ID = req.SourceAccountID

	destination := &relationship{}
	destination.Data.ID = req.DestinationID
	switch req.Kind {
	case KindBook:
		payload.Data.Type = "BookTransfer"
		destination.Data.Type = "DepositAccount"
		payload.Data.Relationships.DestinationAccount = destination
	case KindNIP:
		payload.Data.Type = "NIPTransfer"
		destination.Data.Type = "CounterParty"
		payload.Data.Relationships.CounterParty = destination
	default:
		return nil, fmt.Errorf("unsupported transfer kind %q", req.Kind)
	}
	return payload, nil
}

func (c *Client) doTransfer(ctx context.Context, payload *transferPayload) (*TransferResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			c.logger.Warn("non-2xx response with unparsable error body", zap.Int("status", resp.StatusCode))
		}
		apiErr.StatusCode = resp.StatusCode
		c.logger.Warn("transfer rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("type", payload.Data.Type),
			zap.Error(apiErr),
		)
		return nil, apiErr
	}

	var decoded transferResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}
	if decoded.Data.ID == "" {
		return nil, fmt.Errorf("transfer response missing reference id")
	}

	return &TransferResult{
		ID:     decoded.Data.ID,
		Status: strings.ToLower(strings.TrimSpace(decoded.Data.Attributes.Status)),
		Fee:    decoded.Data.Attributes.Fee,
	}, nil
}
