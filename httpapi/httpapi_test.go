package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/httpapi"
	"github.com/filecoin-project/go-quote-market/quotemarket"
	quoteimpl "github.com/filecoin-project/go-quote-market/quotemarket/impl"
	"github.com/filecoin-project/go-quote-market/quotemarket/testnodes"
	tut "github.com/filecoin-project/go-quote-market/shared_testutil"
)

const pricedQuoteID = "892241ee78e1ff18ca514a475a55f8fb"

type harness struct {
	srv     *httptest.Server
	relay   *testnodes.FakeRelayNode
	storage *testnodes.FakeStorageNode
	wallet  tut.Wallet
}

func newHarness(t *testing.T) *harness {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))

	h := &harness{
		relay: testnodes.NewFakeRelayNode(),
		storage: testnodes.NewFakeStorageNode(quotemarket.PriceQuote{
			QuoteID:        pricedQuoteID,
			TokenAmount:    big.NewInt(16746036207),
			ApproveAddress: tut.TestApproveAddress,
			ChainID:        tut.TestChainID,
			TokenAddress:   tut.TestTokenAddress,
		}),
		wallet: tut.RequireGenerateWallet(t),
	}
	broker, err := quoteimpl.NewBroker(dss.MutexWrap(datastore.NewMapDatastore()),
		testnodes.NewFakeLedgerNode(), h.relay, h.storage, quoteimpl.WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, broker.AddStorage(context.Background(), tut.MakeTestStorage("https://filecoin.org/")))

	h.srv = httptest.NewServer(httpapi.NewServer(broker))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) postJSON(t *testing.T, path string, body string) (int, []byte) {
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return readResponse(t, resp)
}

func (h *harness) createQuote(t *testing.T) quotemarket.QuoteResponse {
	req, err := json.Marshal(tut.MakeTestQuoteRequest(h.wallet.Address))
	require.NoError(t, err)
	code, body := h.postJSON(t, "/getQuote", string(req))
	require.Equal(t, http.StatusCreated, code, string(body))
	var resp quotemarket.QuoteResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func (h *harness) upload(t *testing.T, query url.Values, contents ...string) (int, []byte) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, c := range contents {
		fw, err := mw.CreateFormFile("file", fmt.Sprintf("file%d.txt", i))
		require.NoError(t, err)
		_, err = io.WriteString(fw, c)
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("comment", "not a file"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.srv.URL+"/upload?"+query.Encode(), mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return readResponse(t, resp)
}

func (h *harness) signedQuery(t *testing.T, quoteID string, nonce int64) url.Values {
	params := tut.RequireSignUpload(t, h.wallet, quoteID, nonce)
	return url.Values{"quoteId": {quoteID}, "nonce": {params.Nonce}, "signature": {params.Signature}}
}

func (h *harness) status(t *testing.T, quoteID string) quotemarket.QuoteStatus {
	resp, err := http.Get(h.srv.URL + "/getStatus?quoteId=" + url.QueryEscape(quoteID))
	require.NoError(t, err)
	code, body := readResponse(t, resp)
	require.Equal(t, http.StatusOK, code)
	var out map[string]quotemarket.QuoteStatus
	require.NoError(t, json.Unmarshal(body, &out))
	return out["status"]
}

func readResponse(t *testing.T, resp *http.Response) (int, []byte) {
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func requireMessage(t *testing.T, expected string, body []byte) {
	var msg string
	require.NoError(t, json.Unmarshal(body, &msg), string(body))
	require.Equal(t, expected, msg)
}

func TestGetQuote(t *testing.T) {
	h := newHarness(t)

	resp := h.createQuote(t)
	require.Equal(t, pricedQuoteID, resp.QuoteID)
	require.Equal(t, big.NewInt(16746036207), resp.TokenAmount)
	require.Equal(t, tut.TestApproveAddress, resp.ApproveAddress)
	require.Equal(t, uint64(tut.TestChainID), resp.ChainID)
	require.Equal(t, tut.TestTokenAddress, resp.TokenAddress)
	require.Equal(t, quotemarket.QuoteWaitingForUpload, h.status(t, resp.QuoteID))

	t.Run("malformed body", func(t *testing.T) {
		code, body := h.postJSON(t, "/getQuote", `{"type":`)
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Invalid input data.", body)
	})

	t.Run("missing type", func(t *testing.T) {
		code, body := h.postJSON(t, "/getQuote", `{
			"files": [{"length": 2343545}, {"length": 2343545}],
			"duration": 4353545453,
			"payment": {"chainId": 1, "tokenAddress": "0xOCEAN_on_MAINNET"},
			"userAddress": "0x456"
		}`)
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Invalid input data.", body)
	})

	t.Run("user address is not an address", func(t *testing.T) {
		req := tut.MakeTestQuoteRequest("bob")
		b, err := json.Marshal(req)
		require.NoError(t, err)
		code, body := h.postJSON(t, "/getQuote", string(b))
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Invalid input data.", body)
	})

	t.Run("unknown storage type", func(t *testing.T) {
		code, body := h.postJSON(t, "/getQuote", `{
			"type": "totoro",
			"files": [{"length": 2343545}, {"length": 2343545}],
			"duration": 4353545453,
			"payment": {"chainId": 1, "tokenAddress": "0x967da4048cD07aB37855c090aAF366e4ce1b9F48"},
			"userAddress": "0x9d8a62f656a8d1615c1294fd71e9cfb3e4855a4f"
		}`)
		require.Equal(t, http.StatusBadRequest, code)
		require.JSONEq(t, `{"error": "Chosen storage type does not exist."}`, string(body))
	})

	t.Run("pricing fails", func(t *testing.T) {
		h.storage.GetQuoteError = xerrors.New("backend down")
		defer func() { h.storage.GetQuoteError = nil }()

		req, err := json.Marshal(tut.MakeTestQuoteRequest(h.wallet.Address))
		require.NoError(t, err)
		code, _ := h.postJSON(t, "/getQuote", string(req))
		require.Equal(t, http.StatusBadGateway, code)
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(h.srv.URL + "/getQuote")
		require.NoError(t, err)
		code, _ := readResponse(t, resp)
		require.Equal(t, http.StatusMethodNotAllowed, code)
	})
}

func TestUpload(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t)
		quote := h.createQuote(t)

		code, body := h.upload(t, h.signedQuery(t, quote.QuoteID, 1700000100), "first", "second")
		require.Equal(t, http.StatusOK, code, string(body))
		require.JSONEq(t, `{"status": 400}`, string(body))
		require.Equal(t, quotemarket.QuoteUploadDone, h.status(t, quote.QuoteID))

		require.Len(t, h.storage.Uploads, 1)
		refs := h.storage.Uploads[0].Files
		require.Equal(t, []string{
			"ipfs://" + tut.MakeCID("first", nil).String(),
			"ipfs://" + tut.MakeCID("second", nil).String(),
		}, refs)

		// the same nonce cannot be used twice
		code, body = h.upload(t, h.signedQuery(t, quote.QuoteID, 1700000100), "first")
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Nonce value invalid.", body)
	})

	t.Run("refused requests", func(t *testing.T) {
		h := newHarness(t)
		quote := h.createQuote(t)

		query := h.signedQuery(t, quote.QuoteID, 1700000100)
		query.Del("signature")
		code, body := h.upload(t, query, "first")
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Missing query parameters.", body)

		code, body = h.upload(t, url.Values{"nonce": {"1700000100"}}, "first")
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Missing query parameters.", body)

		other := tut.RequireGenerateWallet(t)
		params := tut.RequireSignUpload(t, other, quote.QuoteID, 1700000100)
		code, body = h.upload(t, url.Values{"quoteId": {quote.QuoteID}, "nonce": {params.Nonce}, "signature": {params.Signature}}, "first")
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Invalid signature.", body)

		code, body = h.upload(t, h.signedQuery(t, quote.QuoteID, 1700000100))
		require.Equal(t, http.StatusBadRequest, code)
		requireMessage(t, "Invalid input data.", body)

		code, body = h.upload(t, h.signedQuery(t, "unknown", 1700000100), "first")
		require.Equal(t, http.StatusNotFound, code)
		requireMessage(t, "Quote does not exist.", body)

		require.Equal(t, quotemarket.QuoteWaitingForUpload, h.status(t, quote.QuoteID))
		require.Empty(t, h.storage.Uploads)
	})

	t.Run("relay failure", func(t *testing.T) {
		h := newHarness(t)
		quote := h.createQuote(t)
		h.relay.AddError = xerrors.New("connection refused")

		code, _ := h.upload(t, h.signedQuery(t, quote.QuoteID, 1700000100), "first")
		require.Equal(t, http.StatusBadGateway, code)
		require.Equal(t, quotemarket.QuoteUploadFailure, h.status(t, quote.QuoteID))
	})
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, quotemarket.QuoteNoSuchQuote, h.status(t, "unknown"))

	resp, err := http.Get(h.srv.URL + "/getStatus")
	require.NoError(t, err)
	code, body := readResponse(t, resp)
	require.Equal(t, http.StatusBadRequest, code)
	requireMessage(t, "Missing query parameters.", body)
}
