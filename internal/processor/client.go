package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ms-settlement/internal/config"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

// ErrRejected is returned when the processor answers with status=false or a
// non-2xx code. The message carries the processor's explanation.
var ErrRejected = errors.New("processor rejected request")

// APIError is an answer the processor actually gave. It unwraps to
// ErrRejected.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrRejected, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return ErrRejected }

// IsRefusal reports whether err is a definitive refusal: the processor
// answered and the request was not accepted. Transport failures, undecodable
// bodies and 5xx answers are not refusals; the request may have gone through.
func IsRefusal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode < http.StatusInternalServerError
}

// IsNotFound reports a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(cfg config.ProcessorConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type InitializeRequest struct {
	Email       string          `json:"email"`
	Amount      int64           `json:"amount"`
	Reference   string          `json:"reference"`
	Currency    string          `json:"currency,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type InitializeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type TransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

type TransferResponse struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
}

func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	var out InitializeResponse
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &out); err != nil {
		return nil, fmt.Errorf("initialize transaction %s: %w", req.Reference, err)
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return &out, nil
}

// VerifyTransaction fetches the processor's view of a charge in the same shape
// a charge.success webhook carries.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*models.PaymentData, error) {
	var out models.PaymentData
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, fmt.Errorf("verify transaction %s: %w", reference, err)
	}
	return &out, nil
}

func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	if req.Source == "" {
		req.Source = "balance"
	}
	var out TransferResponse
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &out); err != nil {
		return nil, fmt.Errorf("initiate transfer %s: %w", req.Reference, err)
	}
	return &out, nil
}

// VerifyTransfer looks a transfer up by our reference. A transfer the
// processor never saw comes back as a 404 APIError.
func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, fmt.Errorf("verify transfer %s: %w", reference, err)
	}
	if out.Reference == "" {
		out.Reference = reference
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug("PROCESSOR", fmt.Sprintf("%s %s - %d (%s)", method, path, resp.StatusCode, time.Since(start)))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode processor response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.Status {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
