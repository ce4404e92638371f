package pii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"colldialer/internal/config"
	"colldialer/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVault struct {
	mu      sync.Mutex
	batches [][]string
	// reject fails every request containing more than one token
	reject bool
	broken map[string]bool
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != detokenizePath || r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req detokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.batches = append(f.batches, req.Tokens)
	f.mu.Unlock()

	if f.reject && len(req.Tokens) > 1 {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	values := make(map[string]string)
	for _, tok := range req.Tokens {
		if f.broken[tok] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		values[tok] = strings.ToUpper(strings.TrimPrefix(tok, "tok_"))
	}
	_ = json.NewEncoder(w).Encode(detokenizeResponse{Values: values})
}

func newTestClient(t *testing.T, vault *fakeVault, batch int) *Client {
	t.Helper()
	srv := httptest.NewServer(vault)
	t.Cleanup(srv.Close)
	return NewClient(config.PIIConfig{BaseURL: srv.URL + "/", Token: "secret", BatchSize: batch, TimeoutSeconds: 5}, nil, nil)
}

func TestDetokenizeSubBatches(t *testing.T) {
	vault := &fakeVault{}
	c := newTestClient(t, vault, 2)

	got, err := c.Detokenize(context.Background(), []string{"tok_a", "tok_b", "tok_c", "tok_a", ""})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok_a": "A", "tok_b": "B", "tok_c": "C"}, got)
	assert.Equal(t, [][]string{{"tok_a", "tok_b"}, {"tok_c"}}, vault.batches)
}

func TestDetokenizeFallsBackToSingleTokens(t *testing.T) {
	vault := &fakeVault{reject: true, broken: map[string]bool{"tok_b": true}}
	c := newTestClient(t, vault, 10)

	got, err := c.Detokenize(context.Background(), []string{"tok_a", "tok_b", "tok_c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok_a": "A", "tok_c": "C"}, got)
	assert.Len(t, vault.batches, 4)
}

func TestDetokenizeAllFailed(t *testing.T) {
	vault := &fakeVault{broken: map[string]bool{"tok_a": true}}
	c := newTestClient(t, vault, 10)

	_, err := c.Detokenize(context.Background(), []string{"tok_a"})
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestDetokenizeEmpty(t *testing.T) {
	c := NewClient(config.PIIConfig{BaseURL: "http://127.0.0.1:0"}, nil, nil)
	got, err := c.Detokenize(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetokenizeBadStatusIsStructural(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(config.PIIConfig{BaseURL: srv.URL, BatchSize: 5}, nil, nil)
	_, err := c.Detokenize(context.Background(), []string{"tok_a"})
	require.Error(t, err)
	assert.Equal(t, errs.KindStructural, errs.KindOf(err))
}

func TestMaskVA(t *testing.T) {
	assert.Equal(t, "********5678", MaskVA("123456785678"))
	assert.Equal(t, "1234", MaskVA("1234"))
	assert.Equal(t, "", MaskVA(""))
}
