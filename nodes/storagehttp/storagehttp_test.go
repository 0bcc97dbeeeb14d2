package storagehttp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-quote-market/nodes/storagehttp"
	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/shared_testutil"
)

func TestGetQuote(t *testing.T) {
	var got quotemarket.QuoteRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{
			"tokenAmount": 16746036207000000000000,
			"approveAddress": "0xAFcE990754C38Be5E0C341707B2A162C4e67547B",
			"chainId": 80001,
			"tokenAddress": "0x9c3C9283D3e44854697Cd22D3Faa240Cfb032889",
			"quoteId": "892241ee78e1ff18ca514a475a55f8fb"
		}`)
	}))
	defer srv.Close()

	req := shared_testutil.MakeTestQuoteRequest("0xCC866199C810B216710A3F3714d35920C343a8CD")
	pq, err := storagehttp.NewNode(nil).GetQuote(context.Background(), shared_testutil.MakeTestStorage(srv.URL), req)
	require.NoError(t, err)

	require.Equal(t, "/getQuote/", path)
	require.Equal(t, req, got)
	require.Equal(t, "892241ee78e1ff18ca514a475a55f8fb", pq.QuoteID)
	require.True(t, pq.TokenAmount.Equals(big.MustFromString("16746036207000000000000")))
	require.Equal(t, "0xAFcE990754C38Be5E0C341707B2A162C4e67547B", pq.ApproveAddress)
	require.Equal(t, uint64(80001), pq.ChainID)
	require.Equal(t, shared_testutil.TestTokenAddress, pq.TokenAddress)
}

func TestGetQuoteFailures(t *testing.T) {
	testCases := map[string]struct {
		status int
		body   string
	}{
		"backend error":     {http.StatusServiceUnavailable, `{"error":"busy"}`},
		"not json":          {http.StatusOK, `price: 12`},
		"fractional amount": {http.StatusOK, `{"tokenAmount": 1.5, "quoteId": "q"}`},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := storagehttp.NewNode(nil).GetQuote(context.Background(), shared_testutil.MakeTestStorage(srv.URL),
				shared_testutil.MakeTestQuoteRequest("0x456"))
			require.Error(t, err)
		})
	}

	t.Run("missing amount", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"quoteId": "q"}`)
		}))
		defer srv.Close()

		pq, err := storagehttp.NewNode(nil).GetQuote(context.Background(), shared_testutil.MakeTestStorage(srv.URL),
			shared_testutil.MakeTestQuoteRequest("0x456"))
		require.NoError(t, err)
		require.Nil(t, pq.TokenAmount.Int)
	})
}

func TestUpload(t *testing.T) {
	var got quotemarket.UploadRequest
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/", r.URL.Path)
		query = map[string]string{
			"quoteId":   r.URL.Query().Get("quoteId"),
			"nonce":     r.URL.Query().Get("nonce"),
			"signature": r.URL.Query().Get("signature"),
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `"too large"`)
	}))
	defer srv.Close()

	req := quotemarket.UploadRequest{
		QuoteID:   "892241ee78e1ff18ca514a475a55f8fb",
		Nonce:     "1700000000",
		Signature: "0xabcdef",
		Files:     []string{"ipfs://bafy1", "ipfs://bafy2"},
	}
	resp, err := storagehttp.NewNode(nil).Upload(context.Background(), shared_testutil.MakeTestStorage(srv.URL+"/"), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.False(t, resp.Accepted())
	require.Equal(t, `"too large"`, string(resp.Body))
	require.Equal(t, req, got)
	require.Equal(t, map[string]string{"quoteId": req.QuoteID, "nonce": req.Nonce, "signature": req.Signature}, query)
}

func TestUploadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := storagehttp.NewNode(nil).Upload(ctx, shared_testutil.MakeTestStorage(srv.URL), quotemarket.UploadRequest{QuoteID: "q"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
