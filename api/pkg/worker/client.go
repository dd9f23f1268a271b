package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

// Client is the supervisor's typed handle on one worker's HTTP surface.
// Retries cover connection errors and 5xx, which papers over the warm-up
// window of a freshly spawned container.
type Client struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewClient(baseURL string, retryMax int) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  system.NewRetryClient(retryMax),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("worker returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode worker response: %w", err)
	}
	return nil
}

func (c *Client) Login(ctx context.Context, req *types.WorkerLoginRequest) (*types.LoginResult, error) {
	var result types.LoginResult
	if err := c.do(ctx, http.MethodPost, "/api/login", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Status(ctx context.Context) (*types.SessionStatusResponse, error) {
	var status types.SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) LoginStatus(ctx context.Context) (*types.SessionStatusResponse, error) {
	var status types.SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/login/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
}

// Close asks the worker to stop its session while keeping the process
// addressable.
func (c *Client) Close(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/close", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, req *types.SendMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/api/send-message", req, nil)
}

func (c *Client) Contacts(ctx context.Context) ([]types.Contact, error) {
	var resp struct {
		Success bool            `json:"success"`
		Data    []types.Contact `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/contacts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) AddContact(ctx context.Context, req *types.AddContactRequest) error {
	return c.do(ctx, http.MethodPost, "/api/contacts/add", req, nil)
}

func (c *Client) CreateGroup(ctx context.Context, req *types.CreateGroupRequest) (string, error) {
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/groups/create", req, &resp); err != nil {
		return "", err
	}
	return resp.Data["group_id"], nil
}

func (c *Client) AddGroupParticipants(ctx context.Context, req *types.AddGroupParticipantsRequest) error {
	return c.do(ctx, http.MethodPost, "/api/groups/participants/add", req, nil)
}

func (c *Client) ProxyStatus(ctx context.Context) (*types.ProxyStatusResponse, error) {
	var resp types.ProxyStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/proxy/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SwitchProxy(ctx context.Context, cfg *types.ProxyConfig) error {
	return c.do(ctx, http.MethodPost, "/api/proxy/switch", cfg, nil)
}

func (c *Client) ExternalIP(ctx context.Context) (string, error) {
	var resp types.ExternalIPResponse
	if err := c.do(ctx, http.MethodGet, "/api/proxy/external-ip", nil, &resp); err != nil {
		return "", err
	}
	return resp.IP, nil
}
