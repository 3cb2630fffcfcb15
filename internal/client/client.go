// Package client provides the Twilio REST calls the voice plugin needs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agentplexus/voicecall"
)

// codeCallNotInProgress is returned when updating a call that already ended.
const codeCallNotInProgress = 21220

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	accountSID := cfg.AccountSID
	if accountSID == "" {
		accountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if accountSID == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID is required")
	}

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if authToken == "" {
		return nil, fmt.Errorf("TWILIO_AUTH_TOKEN is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = voicecall.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// AuthToken returns the auth token, which also signs webhooks.
func (c *Client) AuthToken() string {
	return c.authToken
}

// Call represents a Twilio call resource.
type Call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

// OriginateCall places an outbound call whose TwiML is fetched from
// callbackURL. Status callbacks for every lifecycle event go to
// statusCallbackURL when set. It returns the call SID.
func (c *Client) OriginateCall(ctx context.Context, to, from, callbackURL, statusCallbackURL string) (string, error) {
	if to == "" || from == "" || callbackURL == "" {
		return "", fmt.Errorf("to, from and callback url are required")
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Url", callbackURL)
	data.Set("Method", http.MethodPost)
	if statusCallbackURL != "" {
		data.Set("StatusCallback", statusCallbackURL)
		data.Set("StatusCallbackMethod", http.MethodPost)
		for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", event)
		}
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return "", err
	}
	if call.SID == "" {
		return "", fmt.Errorf("twilio returned no call sid")
	}
	return call.SID, nil
}

// TerminateCall hangs up a call. It reports false without error when the
// call had already ended.
func (c *Client) TerminateCall(ctx context.Context, callSID string) (bool, error) {
	if callSID == "" {
		return false, fmt.Errorf("call sid is required")
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))

	data := url.Values{}
	data.Set("Status", voicecall.CallStatusCompleted)

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Code == codeCallNotInProgress {
			return false, nil
		}
		return false, err
	}
	return voicecall.IsTerminalStatus(call.Status), nil
}

// Error represents a Twilio API error.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// post performs a POST request with form data.
func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr Error
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
