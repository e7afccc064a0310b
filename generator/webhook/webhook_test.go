package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/generator/webhook"
)

const validKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req cl.GenerationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "E1", req.AccountID)
		assert.Equal(t, "shot-1", req.ReferenceID)
		assert.Equal(t, "vintage", req.Params["style"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-9","location":"s3://booth/gen-9.png","metadata":{"model":"v2"}}`))
	}))
	defer srv.Close()

	g := webhook.New(srv.URL, webhook.WithHeader("Authorization", "Bearer secret"), webhook.WithName("render"))
	assert.Equal(t, "render", g.Name())

	out, err := g.Generate(context.Background(), cl.GenerationRequest{
		AccountID:   "E1",
		ReferenceID: "shot-1",
		Params:      map[string]string{"style": "vintage"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gen-9", out.ID)
	assert.Equal(t, "s3://booth/gen-9.png", out.Location)
	assert.Equal(t, "v2", out.Metadata["model"])
}

func TestGenerate_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := webhook.New(srv.URL).Generate(context.Background(), cl.GenerationRequest{AccountID: "E1"})
	require.NoError(t, err)
	assert.Empty(t, out.ID)
}

func TestGenerate_HTTPErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model overloaded", status)
			}))
			defer srv.Close()

			_, err := webhook.New(srv.URL).Generate(context.Background(), cl.GenerationRequest{AccountID: "E1"})
			require.ErrorIs(t, err, cl.ErrExternalServiceFailure)
			assert.Contains(t, err.Error(), "model overloaded")
		})
	}
}

func TestGenerate_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	_, err := webhook.New(srv.URL).Generate(context.Background(), cl.GenerationRequest{AccountID: "E1"})
	require.ErrorIs(t, err, cl.ErrExternalServiceFailure)
}

func TestGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := webhook.New(url).Generate(context.Background(), cl.GenerationRequest{AccountID: "E1"})
	require.ErrorIs(t, err, cl.ErrExternalServiceFailure)
}

func TestGenerate_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := webhook.New(srv.URL).Generate(ctx, cl.GenerationRequest{AccountID: "E1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, cl.ErrExternalServiceFailure)
}

func TestGenerate_Signed(t *testing.T) {
	key, err := webhook.ParseSigningKey(validKeyHex)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ts, err := strconv.ParseInt(r.Header.Get(webhook.TimestampHeader), 10, 64)
		require.NoError(t, err)

		ok, err := webhook.Verify(body, ts, r.Header.Get(webhook.SignatureHeader), r.Header.Get(webhook.SignerHeader))
		require.NoError(t, err)
		if !ok {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		// A tampered body must not verify.
		ok, err = webhook.Verify(append(body, ' '), ts, r.Header.Get(webhook.SignatureHeader), r.Header.Get(webhook.SignerHeader))
		require.NoError(t, err)
		assert.False(t, ok)

		_, _ = w.Write([]byte(`{"id":"signed-1"}`))
	}))
	defer srv.Close()

	g := webhook.New(srv.URL, webhook.WithSigningKey(key))
	out, err := g.Generate(context.Background(), cl.GenerationRequest{AccountID: "E1"})
	require.NoError(t, err)
	assert.Equal(t, "signed-1", out.ID)
}

func TestParseSigningKey(t *testing.T) {
	_, err := webhook.ParseSigningKey("0x" + validKeyHex)
	require.NoError(t, err)

	_, err = webhook.ParseSigningKey("not-hex")
	require.Error(t, err)
	_, err = webhook.ParseSigningKey("abcd")
	require.Error(t, err)
	_, err = webhook.ParseSigningKey("0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestVerify_Malformed(t *testing.T) {
	_, err := webhook.Verify([]byte("{}"), 1, "%%%", "02")
	require.Error(t, err)
	_, err = webhook.Verify([]byte("{}"), 1, "AAAA", "02")
	require.Error(t, err)
}
