// Package permits implements the client for the remote municipal
// permitting API: session login, catalog enumeration and paged record
// search, all issued through the retrying transport.
package permits

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/permitlead/harvester/internal/extract"
)

// Client talks to the permitting API. After Login the bearer token is
// attached to every call for the rest of the run; there is no refresh.
type Client struct {
	transport     *extract.RetryingTransport
	baseURL       string
	addressFilter string
	logger        *zap.Logger
	token         extract.Token
}

// New builds a Client on top of the retrying transport.
func New(transport *extract.RetryingTransport, baseURL, addressFilter string, logger *zap.Logger) *Client {
	return &Client{
		transport:     transport,
		baseURL:       strings.TrimRight(baseURL, "/"),
		addressFilter: addressFilter,
		logger:        logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for the session bearer token. A rejection
// is fatal for the run; invalid credentials will not become valid by
// waiting.
func (c *Client) Login(ctx context.Context, creds extract.Credentials) error {
	body, err := json.Marshal(loginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}
	resp, err := c.transport.Do(ctx, &extract.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/api/v1/auth/login",
		Header: jsonHeader(),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("login call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: remote returned status %d", extract.ErrAuthenticationFailed, resp.StatusCode)
	}
	var payload loginResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return fmt.Errorf("%w: decode login response: %v", extract.ErrAuthenticationFailed, err)
	}
	if payload.Token == "" {
		return fmt.Errorf("%w: empty token in login response", extract.ErrAuthenticationFailed)
	}
	c.token = extract.Token(payload.Token)
	c.logger.Info("session established")
	return nil
}

func (c *Client) authHeader() http.Header {
	header := jsonHeader()
	if c.token != "" {
		header.Set("Authorization", "Bearer "+string(c.token))
	}
	return header
}

func jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	return header
}
