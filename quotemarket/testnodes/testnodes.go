package testnodes

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

// Below fake node implementations

// FakeLedgerNode is an in-memory payment chain. Transactions sent to it are
// mined immediately unless WaitForReceipt is told otherwise.
type FakeLedgerNode struct {
	lk sync.Mutex

	Nonces  map[string]uint64
	Sent    [][]byte
	Calls   []LedgerCall
	Reverts bool

	TransactionCountError   error
	BuildApprovalError      error
	SendRawTransactionError error
	// ReceiptBlocks makes WaitForReceipt block until the context is done
	ReceiptBlocks bool
}

// LedgerCall is one recorded call to the fake ledger
type LedgerCall struct {
	Method   string
	Endpoint string
}

// NewFakeLedgerNode returns an empty ledger
func NewFakeLedgerNode() *FakeLedgerNode {
	return &FakeLedgerNode{Nonces: map[string]uint64{}}
}

func (n *FakeLedgerNode) record(method string, endpoint string) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.Calls = append(n.Calls, LedgerCall{Method: method, Endpoint: endpoint})
}

// Endpoints returns the distinct endpoints that were called, in call order
func (n *FakeLedgerNode) Endpoints() []string {
	n.lk.Lock()
	defer n.lk.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, c := range n.Calls {
		if _, ok := seen[c.Endpoint]; !ok {
			seen[c.Endpoint] = struct{}{}
			out = append(out, c.Endpoint)
		}
	}
	return out
}

// TransactionCount returns the number of transactions sent from address
func (n *FakeLedgerNode) TransactionCount(ctx context.Context, endpoint string, address string) (uint64, error) {
	n.record("TransactionCount", endpoint)
	if n.TransactionCountError != nil {
		return 0, n.TransactionCountError
	}
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.Nonces[address], nil
}

// BuildApproval returns a transaction carrying the approval parameters
func (n *FakeLedgerNode) BuildApproval(ctx context.Context, endpoint string, params quotemarket.ApprovalParams) (*quotemarket.Transaction, error) {
	n.record("BuildApproval", endpoint)
	if n.BuildApprovalError != nil {
		return nil, n.BuildApprovalError
	}
	return &quotemarket.Transaction{
		Nonce:    params.Nonce,
		GasPrice: big.NewInt(1),
		GasLimit: 60000,
		To:       params.Token,
		Value:    big.Zero(),
		Data:     []byte(params.From + "|" + params.Spender + "|" + params.Amount.String()),
		ChainID:  params.ChainID,
	}, nil
}

// SignTransaction concatenates the transaction data with the key
func (n *FakeLedgerNode) SignTransaction(tx *quotemarket.Transaction, privateKey []byte) ([]byte, error) {
	return append(append([]byte{}, tx.Data...), privateKey...), nil
}

// SendRawTransaction records the raw transaction
func (n *FakeLedgerNode) SendRawTransaction(ctx context.Context, endpoint string, raw []byte) (string, error) {
	n.record("SendRawTransaction", endpoint)
	if n.SendRawTransactionError != nil {
		return "", n.SendRawTransactionError
	}
	n.lk.Lock()
	defer n.lk.Unlock()
	n.Sent = append(n.Sent, raw)
	return fmt.Sprintf("0x%064x", len(n.Sent)), nil
}

// WaitForReceipt returns a receipt for a sent transaction
func (n *FakeLedgerNode) WaitForReceipt(ctx context.Context, endpoint string, txHash string) (*quotemarket.Receipt, error) {
	n.record("WaitForReceipt", endpoint)
	if n.ReceiptBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	status := uint64(1)
	if n.Reverts {
		status = 0
	}
	return &quotemarket.Receipt{TxHash: txHash, BlockNumber: 1, Status: status}, nil
}

var _ quotemarket.LedgerNode = &FakeLedgerNode{}

// FakeRelayNode stores added files in memory and hashes them like the relay
// would
type FakeRelayNode struct {
	lk sync.Mutex

	Objects  map[string][]byte
	AddCalls int

	AddError error
	// Reverse reports objects in reverse submission order
	Reverse bool
	// Rename overrides the name reported for an input name
	Rename map[string]string
	// BadHash makes the relay report a content id that does not parse
	BadHash bool
}

// NewFakeRelayNode returns an empty relay
func NewFakeRelayNode() *FakeRelayNode {
	return &FakeRelayNode{Objects: map[string][]byte{}, Rename: map[string]string{}}
}

// Add stores files and reports a raw CID per file
func (n *FakeRelayNode) Add(ctx context.Context, files []quotemarket.RawFile) ([]quotemarket.RelayObject, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.AddCalls++
	if n.AddError != nil {
		return nil, n.AddError
	}
	objects := make([]quotemarket.RelayObject, 0, len(files))
	for _, f := range files {
		data, err := io.ReadAll(f.Content)
		if err != nil {
			return nil, err
		}
		c, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mh.SHA2_256, MhLength: -1}.Sum(data)
		if err != nil {
			return nil, err
		}
		hash := c.String()
		if n.BadHash {
			hash = "not-a-cid"
		}
		n.Objects[hash] = data
		name := f.Name
		if renamed, ok := n.Rename[name]; ok {
			name = renamed
		}
		objects = append(objects, quotemarket.RelayObject{Name: name, Hash: hash, Size: uint64(len(data))})
	}
	if n.Reverse {
		for i, j := 0, len(objects)-1; i < j; i, j = i+1, j-1 {
			objects[i], objects[j] = objects[j], objects[i]
		}
	}
	return objects, nil
}

var _ quotemarket.RelayNode = &FakeRelayNode{}

// FakeStorageNode prices every request with a fixed amount and accepts
// uploads with a preset status code
type FakeStorageNode struct {
	lk sync.Mutex

	Price         quotemarket.PriceQuote
	GetQuoteError error
	UploadStatus  int
	UploadError   error
	Uploads       []quotemarket.UploadRequest
	QuoteRequests []quotemarket.QuoteRequest
	// UploadBlocks makes Upload block until the context is done
	UploadBlocks bool
}

// NewFakeStorageNode returns a storage node answering with price and
// accepting uploads
func NewFakeStorageNode(price quotemarket.PriceQuote) *FakeStorageNode {
	return &FakeStorageNode{Price: price, UploadStatus: 200}
}

// GetQuote returns the preset price
func (n *FakeStorageNode) GetQuote(ctx context.Context, storage quotemarket.Storage, req quotemarket.QuoteRequest) (quotemarket.PriceQuote, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.QuoteRequests = append(n.QuoteRequests, req)
	if n.GetQuoteError != nil {
		return quotemarket.PriceQuote{}, n.GetQuoteError
	}
	return n.Price, nil
}

// Upload records the handoff and answers with UploadStatus
func (n *FakeStorageNode) Upload(ctx context.Context, storage quotemarket.Storage, req quotemarket.UploadRequest) (quotemarket.UploadResponse, error) {
	if n.UploadBlocks {
		<-ctx.Done()
		return quotemarket.UploadResponse{}, ctx.Err()
	}
	n.lk.Lock()
	defer n.lk.Unlock()
	n.Uploads = append(n.Uploads, req)
	if n.UploadError != nil {
		return quotemarket.UploadResponse{}, n.UploadError
	}
	return quotemarket.UploadResponse{StatusCode: n.UploadStatus, Body: []byte(`{"status":"ok"}`)}, nil
}

var _ quotemarket.StorageNode = &FakeStorageNode{}
