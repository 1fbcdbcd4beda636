package onepass

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/brizzbuzz/opnix/internal/errors"
)

func TestGetToken(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("environment token", func(t *testing.T) {
		expected := "ops_test_token"
		t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", expected)

		got, err := GetToken("")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != expected {
			t.Errorf("Expected token %q, got %q", expected, got)
		}
	})

	t.Run("file token", func(t *testing.T) {
		t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", "")
		expected := "ops_test_token_from_file"
		tokenFile := filepath.Join(tmpDir, "token")
		if err := os.WriteFile(tokenFile, []byte(expected+"\n"), 0600); err != nil {
			t.Fatalf("Failed to write token file: %v", err)
		}

		got, err := GetToken(tokenFile)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != expected {
			t.Errorf("Expected token %q, got %q", expected, got)
		}
	})

	t.Run("no token", func(t *testing.T) {
		t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", "")
		if _, err := GetToken(""); err == nil {
			t.Error("Expected error when no token provided")
		}
	})

	t.Run("invalid token file", func(t *testing.T) {
		t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", "")
		_, err := GetToken("/nonexistent/file")
		if err == nil {
			t.Fatal("Expected error with invalid token file")
		}
		if !errors.IsKind(err, errors.KindFetch) {
			t.Errorf("Expected a FetchError, got %v", err)
		}
	})
}

func TestWhoami(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"signInAddress":"acme.1password.com","email":"x@y"}`))

	tests := []struct {
		name     string
		token    string
		storeURL string
		expected string
		wantErr  bool
	}{
		{"address from token", "ops_" + payload, "https://fallback.example", "https://acme.1password.com", false},
		{"fallback to store url", "ops_not-base64!", "https://my.1password.com", "https://my.1password.com", false},
		{"non service account token", "plain-token", "https://my.1password.com", "https://my.1password.com", false},
		{"no address at all", "plain-token", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{token: tt.token, storeURL: tt.storeURL}
			got, err := c.Whoami(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got endpoint %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected endpoint %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestPing(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	c := &Client{httpClient: server.Client()}

	if err := c.Ping(context.Background(), server.URL); err != nil {
		t.Errorf("Expected reachable store, got %v", err)
	}

	status.Store(http.StatusUnauthorized)
	if err := c.Ping(context.Background(), server.URL); err != nil {
		t.Errorf("Expected 401 to count as reachable, got %v", err)
	}

	status.Store(http.StatusBadGateway)
	if err := c.Ping(context.Background(), server.URL); err == nil {
		t.Error("Expected 502 to count as unreachable")
	}

	server.Close()
	if err := c.Ping(context.Background(), server.URL); err == nil {
		t.Error("Expected closed server to be unreachable")
	}
}

type fakeResolver struct {
	values map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (string, error) {
	if v, ok := f.values[ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret reference %q not found", ref)
}

func TestFetch(t *testing.T) {
	resolver := &fakeResolver{values: map[string]string{
		"op://v/i/f":                                "s3cr3t",
		"op://v/key/private key?ssh-format=openssh": "KEY",
	}}
	connects := 0
	c := &Client{
		token: "ops_x",
		connect: func(context.Context, string) (Resolver, error) {
			connects++
			return resolver, nil
		},
	}

	got, err := c.Fetch(context.Background(), "op://v/i/f", EncodingPlain)
	if err != nil || string(got) != "s3cr3t" {
		t.Fatalf("Expected s3cr3t, got %q (%v)", got, err)
	}

	got, err = c.Fetch(context.Background(), "op://v/key/private key", EncodingSSHKey)
	if err != nil || string(got) != "KEY" {
		t.Fatalf("Expected KEY, got %q (%v)", got, err)
	}

	if connects != 1 {
		t.Errorf("Expected one SDK connection per client, got %d", connects)
	}

	_, err = c.Fetch(context.Background(), "op://v/missing/f", EncodingPlain)
	if !errors.IsKind(err, errors.KindFetch) {
		t.Errorf("Expected a FetchError, got %v", err)
	}
}

func TestFetchConnectFailure(t *testing.T) {
	c := &Client{
		connect: func(context.Context, string) (Resolver, error) {
			return nil, fmt.Errorf("invalid service account token")
		},
	}

	_, err := c.Fetch(context.Background(), "op://v/i/f", EncodingPlain)
	if !errors.IsKind(err, errors.KindFetch) {
		t.Errorf("Expected a FetchError, got %v", err)
	}
}
