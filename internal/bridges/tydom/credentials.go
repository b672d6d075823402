package tydom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
)

// Credential exchange defaults.
const (
	defaultCloudTimeout = 10 * time.Second

	// maxCloudResponseBytes bounds every cloud response body.
	maxCloudResponseBytes = 1 << 20
)

// CredentialClient derives the gateway session password from the vendor
// cloud account.
type CredentialClient struct {
	cfg     config.CloudConfig
	http    *http.Client
	timeout time.Duration
}

// NewCredentialClient creates a client. A nil hc uses a default client.
func NewCredentialClient(cfg config.CloudConfig, hc *http.Client) *CredentialClient {
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.GetTimeout()
	if timeout <= 0 {
		timeout = defaultCloudTimeout
	}
	return &CredentialClient{cfg: cfg, http: hc, timeout: timeout}
}

type discoveryDocument struct {
	TokenEndpoint string `json:"token_endpoint"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type sitesResponse struct {
	Sites []struct {
		ID      json.Number `json:"id"`
		Name    string      `json:"name"`
		Gateway struct {
			MAC      string `json:"mac"`
			Password string `json:"password"`
		} `json:"gateway"`
	} `json:"sites"`
}

// Exchange logs in with the cloud account and returns the session password
// of the gateway with the given MAC.
//
// Rejected credentials and a gateway missing from the account return
// ErrAuthentication. Network failures and timeouts return ErrCommunication.
// Everything else returns ErrClient.
func (c *CredentialClient) Exchange(ctx context.Context, email, password, mac string) (string, error) {
	endpoint, err := c.discover(ctx)
	if err != nil {
		return "", err
	}

	tok, err := c.token(ctx, endpoint, email, password)
	if err != nil {
		return "", err
	}

	return c.gatewayPassword(ctx, tok, mac)
}

func (c *CredentialClient) discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DiscoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building discovery request: %w", ErrClient, err)
	}

	var doc discoveryDocument
	if err := c.doJSON(c.http, req, &doc); err != nil {
		return "", fmt.Errorf("discovery: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("%w: discovery document has no token_endpoint", ErrClient)
	}
	return doc.TokenEndpoint, nil
}

func (c *CredentialClient) token(ctx context.Context, endpoint, email, password string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, field := range [][2]string{
		{"username", email},
		{"password", password},
		{"grant_type", "password"},
		{"client_id", c.cfg.ClientID},
		{"scope", c.cfg.Scope},
	} {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return nil, fmt.Errorf("%w: building token form: %w", ErrClient, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("%w: building token form: %w", ErrClient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: building token request: %w", ErrClient, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var tr tokenResponse
	if err := c.doJSON(c.http, req, &tr); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", ErrAuthentication)
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (c *CredentialClient) gatewayPassword(ctx context.Context, tok *oauth2.Token, mac string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sitesURL, err := url.Parse(c.cfg.SitesURL)
	if err != nil {
		return "", fmt.Errorf("%w: parsing sites url: %w", ErrClient, err)
	}
	want := NormalizeMAC(mac)
	q := sitesURL.Query()
	q.Set("gateway_mac", want)
	sitesURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitesURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: building sites request: %w", ErrClient, err)
	}

	authed := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http), oauth2.StaticTokenSource(tok))

	var sites sitesResponse
	if err := c.doJSON(authed, req, &sites); err != nil {
		return "", fmt.Errorf("sites: %w", err)
	}

	for _, site := range sites.Sites {
		if NormalizeMAC(site.Gateway.MAC) == want && site.Gateway.Password != "" {
			return site.Gateway.Password, nil
		}
	}
	return "", fmt.Errorf("%w: gateway %s not found on account", ErrAuthentication, want)
}

// doJSON sends req and decodes a 2xx JSON response into out.
func (c *CredentialClient) doJSON(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCloudResponseBytes))
	if err != nil {
		return classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrAuthentication, req.URL.Path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s returned %d", ErrClient, req.URL.Path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrClient, req.URL.Path, err)
	}
	return nil
}

// classifyTransportError maps timeouts and network failures to
// ErrCommunication and everything else to ErrClient.
func classifyTransportError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if isTimeout(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	return fmt.Errorf("%w: %w", ErrClient, err)
}
