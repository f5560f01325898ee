package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/watchmarket/internal/circuitbreaker"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/retry"
)

// GatewayConfig configures the remote Ledger Service client.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration // per request; default 10s
	MaxAttempts int           // default 3
	RetryDelay  time.Duration // default 200ms
}

// Gateway calls a remote Ledger Service over HTTP. Requests are retried on
// network errors and 5xx responses, guarded by a circuit breaker, and carry
// the memo as an Idempotency-Key so retries never move funds twice.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

const breakerKey = "ledger-gateway"

// NewGateway creates a gateway client. breaker may be shared with other
// outbound clients; nil disables it.
func NewGateway(cfg GatewayConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: gateway base URL required", ErrInvalidRequest)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

var _ Service = (*Gateway)(nil)

// apiError is the error body returned by the Ledger Service.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (g *Gateway) OpenAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := g.call(ctx, "/v1/accounts", "", struct{}{}, &acct); err != nil {
		return nil, &TransferError{Op: "open_account", Err: err}
	}
	if acct.Address == "" || acct.Secret == "" {
		return nil, &TransferError{Op: "open_account", Err: errors.New("gateway returned an incomplete account")}
	}
	return &acct, nil
}

func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, transferErr(req.Memo, err)
	}
	var r Receipt
	if err := g.call(ctx, "/v1/transfers", req.Memo, req, &r); err != nil {
		return nil, transferErr(req.Memo, err)
	}
	if r.TxHash == "" {
		return nil, transferErr(req.Memo, errors.New("gateway returned no transaction hash"))
	}
	return &r, nil
}

func (g *Gateway) Convert(ctx context.Context, amount money.Amount, method Method) (*Conversion, error) {
	if _, err := Quote(amount, method); err != nil {
		return nil, conversionErr(err)
	}
	body := struct {
		Amount money.Amount `json:"amount"`
		Method Method       `json:"method"`
	}{amount, method}

	var c Conversion
	if err := g.call(ctx, "/v1/conversions", "", body, &c); err != nil {
		return nil, conversionErr(err)
	}
	return &c, nil
}

// call POSTs body to path and decodes the response into out.
func (g *Gateway) call(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("gateway %s: status %d", path, resp.StatusCode)
		case resp.StatusCode >= 400:
			apiErr := &apiError{Code: http.StatusText(resp.StatusCode)}
			_ = json.Unmarshal(data, apiErr)
			return retry.Permanent(apiErr)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode gateway response: %w", err))
		}
		return nil
	}

	return retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryDelay, func() error {
		if g.breaker == nil {
			return attempt()
		}
		err := g.breaker.Do(breakerKey, func(err error) bool { return !retry.IsPermanent(err) }, attempt)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			g.logger.Warn("ledger gateway circuit open", "path", path)
			return retry.Permanent(err)
		}
		return err
	})
}
