package storagehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/filecoin-project/go-state-types/big"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

var log = logging.Logger("storagehttp")

// maxBodySize caps how much of a storage backend answer is read
const maxBodySize = 1 << 20

// Node calls storage backend microservices over HTTP
type Node struct {
	client *http.Client
}

var _ quotemarket.StorageNode = (*Node)(nil)

// NewNode creates a storage node. A nil client means http.DefaultClient.
func NewNode(client *http.Client) *Node {
	if client == nil {
		client = http.DefaultClient
	}
	return &Node{client: client}
}

type quoteAnswer struct {
	QuoteID        string      `json:"quoteId"`
	TokenAmount    json.Number `json:"tokenAmount"`
	ApproveAddress string      `json:"approveAddress"`
	ChainID        uint64      `json:"chainId"`
	TokenAddress   string      `json:"tokenAddress"`
}

// GetQuote forwards the quote request to the backend's pricing endpoint
func (n *Node) GetQuote(ctx context.Context, storage quotemarket.Storage, req quotemarket.QuoteRequest) (quotemarket.PriceQuote, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return quotemarket.PriceQuote{}, err
	}
	status, answer, err := n.post(ctx, storage.QuoteURL(), body)
	if err != nil {
		return quotemarket.PriceQuote{}, err
	}
	if status < 200 || status >= 300 {
		return quotemarket.PriceQuote{}, xerrors.Errorf("%s pricing responded %d: %s", storage.Type, status, bytes.TrimSpace(answer))
	}

	var qa quoteAnswer
	dec := json.NewDecoder(bytes.NewReader(answer))
	dec.UseNumber()
	if err := dec.Decode(&qa); err != nil {
		return quotemarket.PriceQuote{}, xerrors.Errorf("decoding %s pricing answer: %w", storage.Type, err)
	}
	pq := quotemarket.PriceQuote{
		QuoteID:        qa.QuoteID,
		ApproveAddress: qa.ApproveAddress,
		ChainID:        qa.ChainID,
		TokenAddress:   qa.TokenAddress,
	}
	if qa.TokenAmount != "" {
		amount, err := big.FromString(qa.TokenAmount.String())
		if err != nil {
			return quotemarket.PriceQuote{}, xerrors.Errorf("%s pricing token amount %q: %w", storage.Type, qa.TokenAmount, err)
		}
		pq.TokenAmount = amount
	}
	return pq, nil
}

// Upload hands the staged references to the backend's upload endpoint. The
// backend status is returned as is; only transport failures are errors.
func (n *Node) Upload(ctx context.Context, storage quotemarket.Storage, req quotemarket.UploadRequest) (quotemarket.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return quotemarket.UploadResponse{}, err
	}
	q := url.Values{}
	q.Set("quoteId", req.QuoteID)
	q.Set("nonce", req.Nonce)
	q.Set("signature", req.Signature)
	target := storage.UploadURL()
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}

	status, answer, err := n.post(ctx, target, body)
	if err != nil {
		return quotemarket.UploadResponse{}, err
	}
	log.Debugw("upload handed off", "storage", storage.Type, "quote", req.QuoteID, "status", status)
	return quotemarket.UploadResponse{StatusCode: status, Body: answer}, nil
}

func (n *Node) post(ctx context.Context, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, nil, xerrors.Errorf("posting to %s: %w", target, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	answer, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, xerrors.Errorf("reading answer of %s: %w", target, err)
	}
	return resp.StatusCode, answer, nil
}
