package agent

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

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

// ExecuteRequest is the dispatch payload for the execution agent. Credentials stay sealed.
type ExecuteRequest struct {
	OrderID        string `json:"orderId"`
	EncryptedCreds string `json:"encryptedCreds"`
	Username       string `json:"username"`
	ProviderID     string `json:"providerId"`
	Departure      string `json:"departure"`
	Destination    string `json:"destination"`
	MilesAmount    int64  `json:"milesAmount"`
	CallbackURL    string `json:"callbackUrl"`
}

type ExecuteResponse struct {
	Status string `json:"status"`
}

// Callback is what the agent posts back once the transfer is booked.
type Callback struct {
	OrderID          string          `json:"orderId"`
	ConfirmationCode string          `json:"confirmationCode"`
	TicketDetails    json.RawMessage `json:"ticketDetails"`
	Proof            json.RawMessage `json:"proof,omitempty"`
}

type Client struct {
	BaseURL     string
	CallbackURL string
	HTTP        *http.Client
	Secret      string
	timeout     time.Duration
}

func New(baseURL, callbackURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		CallbackURL: callbackURL,
		HTTP:        &http.Client{},
		Secret:      secret,
		timeout:     timeout,
	}
}

// Execute dispatches a single attempt. 5xx, 429 and network failures are retryable;
// any other non-2xx answer is wrapped with retry.Permanent.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if c.BaseURL == "" {
		return nil, retry.Permanent(entities.WrapError(entities.ErrConfigMissing, "execution agent url is not configured"))
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.CallbackURL
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/execute", bytes.NewReader(b))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if c.Secret != "" {
		httpReq.Header.Set(SignatureHeader, Sign(c.Secret, b))
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("execution agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var out ExecuteResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, retry.Permanent(fmt.Errorf("failed to decode agent response: %w", err))
	}
	if out.Status == "" {
		out.Status = "ACCEPTED"
	}
	return &out, nil
}
