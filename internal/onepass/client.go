package onepass

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/1password/onepassword-sdk-go"

	"github.com/brizzbuzz/opnix/internal/errors"
)

const (
	integrationName    = "NixOS Secrets Integration"
	integrationVersion = "v1.0.0"
	tokenPrefix        = "ops_"
	pingTimeout        = 10 * time.Second
)

// Encoding selects how a secret field is rendered by the store.
type Encoding int

const (
	EncodingPlain Encoding = iota
	// EncodingSSHKey asks for private keys in OpenSSH format.
	EncodingSSHKey
)

// Query returns the reference query that selects this encoding.
func (e Encoding) Query() string {
	if e == EncodingSSHKey {
		return "ssh-format=openssh"
	}
	return ""
}

// Resolver is the subset of the 1Password SDK used to read secrets.
type Resolver interface {
	Resolve(ctx context.Context, secretReference string) (string, error)
}

// Client is a connection to 1Password scoped to one task cycle. The token
// is read when the client is built and never cached elsewhere.
type Client struct {
	token      string
	tokenFile  string
	storeURL   string
	httpClient *http.Client
	connect    func(ctx context.Context, token string) (Resolver, error)

	mu       sync.Mutex
	resolver Resolver
}

// NewClient reads the service account token and prepares a client. No
// network traffic happens until Ping or Fetch is called.
func NewClient(tokenFile, storeURL string) (*Client, error) {
	token, err := GetToken(tokenFile)
	if err != nil {
		return nil, err
	}

	return &Client{
		token:      token,
		tokenFile:  tokenFile,
		storeURL:   storeURL,
		httpClient: &http.Client{Timeout: pingTimeout},
		connect:    connectSDK,
	}, nil
}

func connectSDK(ctx context.Context, token string) (Resolver, error) {
	client, err := onepassword.NewClient(ctx,
		onepassword.WithServiceAccountToken(token),
		onepassword.WithIntegrationInfo(integrationName, integrationVersion),
	)
	if err != nil {
		return nil, err
	}
	return client.Secrets, nil
}

// Whoami returns the sign-in endpoint the token belongs to. Service account
// tokens embed it; the configured store URL is the fallback.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	if addr := signInAddress(c.token); addr != "" {
		if !strings.Contains(addr, "://") {
			addr = "https://" + addr
		}
		return addr, nil
	}
	if c.storeURL == "" {
		return "", errors.OnePasswordError(
			"Resolving store endpoint",
			"token does not name a sign-in address and no storeURL is configured",
			nil,
		)
	}
	return c.storeURL, nil
}

// Ping performs one liveness check. Any answer below 500 means the store
// is reachable.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s answered %s", endpoint, resp.Status)
	}
	return nil
}

// Fetch resolves a reference to its secret bytes.
func (c *Client) Fetch(ctx context.Context, reference string, encoding Encoding) ([]byte, error) {
	resolver, err := c.resolverFor(ctx)
	if err != nil {
		return nil, err
	}

	ref := reference
	if q := encoding.Query(); q != "" {
		ref += "?" + q
	}

	value, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, errors.OnePasswordError(
			"Resolving secret",
			fmt.Sprintf("Failed to resolve 1Password reference: %s", reference),
			err,
		)
	}
	return []byte(value), nil
}

func (c *Client) resolverFor(ctx context.Context) (Resolver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	resolver, err := c.connect(ctx, c.token)
	if err != nil {
		return nil, errors.OnePasswordError(
			"Creating 1Password client",
			"authentication with the service account token failed",
			err,
		)
	}
	c.resolver = resolver
	return resolver, nil
}

// GetToken returns the service account token from OP_SERVICE_ACCOUNT_TOKEN
// or, failing that, from tokenFile.
func GetToken(tokenFile string) (string, error) {
	if token := os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"); token != "" {
		return strings.TrimSpace(token), nil
	}

	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", errors.TokenError("Failed to read token file", tokenFile, err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", errors.TokenError("Token file is empty", tokenFile, nil)
		}
		return token, nil
	}

	return "", errors.TokenError("no token provided: set OP_SERVICE_ACCOUNT_TOKEN or provide token file", tokenFile, nil)
}

// signInAddress decodes the ops_ token payload. It returns "" for tokens it
// cannot read.
func signInAddress(token string) string {
	payload, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return ""
	}

	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if data, err = enc.DecodeString(payload); err == nil {
			break
		}
	}
	if err != nil {
		return ""
	}

	var claims struct {
		SignInAddress string `json:"signInAddress"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return ""
	}
	return claims.SignInAddress
}
