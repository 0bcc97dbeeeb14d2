package ethledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-state-types/abi"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

var log = logging.Logger("ethledger")

// approveSelector is the first four bytes of keccak("approve(address,uint256)")
var approveSelector = []byte{0x09, 0x5e, 0xa7, 0xb3}

const (
	// DefaultClientCacheSize bounds the number of open RPC clients
	DefaultClientCacheSize = 16

	// gasMarginPercent is added on top of the node's gas estimate
	gasMarginPercent = 20
)

// Config tunes a Node
type Config struct {
	ClientCacheSize int
	// PollMin and PollMax bound the receipt polling interval
	PollMin time.Duration
	PollMax time.Duration
}

type rpcClient struct {
	api    ethAPI
	closer jsonrpc.ClientCloser
}

// Node talks to Ethereum compatible JSON-RPC endpoints and implements
// quotemarket.LedgerNode. One client is kept per endpoint.
type Node struct {
	lk      sync.Mutex
	clients *lru.Cache[string, *rpcClient]
	cfg     Config
}

var _ quotemarket.LedgerNode = (*Node)(nil)

// NewNode creates a ledger node
func NewNode(cfg Config) (*Node, error) {
	if cfg.ClientCacheSize <= 0 {
		cfg.ClientCacheSize = DefaultClientCacheSize
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = 500 * time.Millisecond
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = 10 * cfg.PollMin
	}
	clients, err := lru.NewWithEvict(cfg.ClientCacheSize, func(endpoint string, c *rpcClient) {
		log.Debugw("closing rpc client", "endpoint", endpoint)
		c.closer()
	})
	if err != nil {
		return nil, err
	}
	return &Node{clients: clients, cfg: cfg}, nil
}

// Close closes every open client
func (n *Node) Close() {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.clients.Purge()
}

func (n *Node) client(endpoint string) (*ethAPI, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if c, ok := n.clients.Get(endpoint); ok {
		return &c.api, nil
	}
	c := &rpcClient{}
	closer, err := jsonrpc.NewClient(context.Background(), endpoint, "eth", &c.api, nil)
	if err != nil {
		return nil, xerrors.Errorf("connecting to %s: %w", endpoint, err)
	}
	c.closer = closer
	n.clients.Add(endpoint, c)
	return &c.api, nil
}

func (n *Node) TransactionCount(ctx context.Context, endpoint string, address string) (uint64, error) {
	api, err := n.client(endpoint)
	if err != nil {
		return 0, err
	}
	count, err := api.GetTransactionCount(ctx, address, "pending")
	if err != nil {
		return 0, xerrors.Errorf("eth_getTransactionCount: %w", err)
	}
	return uint64(count), nil
}

func (n *Node) BuildApproval(ctx context.Context, endpoint string, params quotemarket.ApprovalParams) (*quotemarket.Transaction, error) {
	data, err := ApproveCallData(params.Spender, params.Amount)
	if err != nil {
		return nil, err
	}
	api, err := n.client(endpoint)
	if err != nil {
		return nil, err
	}

	chainID := params.ChainID
	if chainID == 0 {
		id, err := api.ChainID(ctx)
		if err != nil {
			return nil, xerrors.Errorf("eth_chainId: %w", err)
		}
		chainID = uint64(id)
	}

	gasPrice, err := api.GasPrice(ctx)
	if err != nil {
		return nil, xerrors.Errorf("eth_gasPrice: %w", err)
	}
	gas, err := api.EstimateGas(ctx, callMsg{From: params.From, To: params.Token, Data: data})
	if err != nil {
		return nil, xerrors.Errorf("eth_estimateGas: %w", err)
	}

	return &quotemarket.Transaction{
		Nonce:    params.Nonce,
		GasPrice: abi.TokenAmount{Int: gasPrice.ToInt()},
		GasLimit: uint64(gas) + uint64(gas)*gasMarginPercent/100,
		To:       params.Token,
		Value:    abi.NewTokenAmount(0),
		Data:     data,
		ChainID:  chainID,
	}, nil
}

func (n *Node) SignTransaction(tx *quotemarket.Transaction, privateKey []byte) ([]byte, error) {
	etx, err := legacyTx(tx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, xerrors.Errorf("parsing private key: %w", err)
	}
	signed, err := types.SignTx(etx, eip155Signer(tx), key)
	if err != nil {
		return nil, xerrors.Errorf("signing transaction: %w", err)
	}
	return signed.MarshalBinary()
}

func (n *Node) SendRawTransaction(ctx context.Context, endpoint string, raw []byte) (string, error) {
	api, err := n.client(endpoint)
	if err != nil {
		return "", err
	}
	hash, err := api.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", xerrors.Errorf("eth_sendRawTransaction: %w", err)
	}
	return hash, nil
}

func (n *Node) WaitForReceipt(ctx context.Context, endpoint string, txHash string) (*quotemarket.Receipt, error) {
	api, err := n.client(endpoint)
	if err != nil {
		return nil, err
	}
	b := &backoff.Backoff{Min: n.cfg.PollMin, Max: n.cfg.PollMax, Factor: 1.5}
	for {
		receipt, err := api.GetTransactionReceipt(ctx, txHash)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warnw("polling receipt", "tx", txHash, "err", err)
		case receipt != nil:
			return &quotemarket.Receipt{
				TxHash:      firstNonEmpty(receipt.TransactionHash, txHash),
				BlockNumber: uint64(receipt.BlockNumber),
				Status:      uint64(receipt.Status),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// ApproveCallData encodes the calldata of approve(spender, amount)
func ApproveCallData(spender string, amount abi.TokenAmount) ([]byte, error) {
	addr, err := decodeAddress(spender)
	if err != nil {
		return nil, xerrors.Errorf("spender: %w", err)
	}
	if amount.Int == nil || amount.Sign() < 0 || amount.Int.BitLen() > 256 {
		return nil, xerrors.Errorf("invalid approve amount %v", amount)
	}
	data := make([]byte, 4+32+32)
	copy(data, approveSelector)
	copy(data[4+12:4+32], addr.Bytes())
	amount.Int.FillBytes(data[4+32:])
	return data, nil
}

// SigningHash is the EIP-155 hash signed for tx
func SigningHash(tx *quotemarket.Transaction) ([]byte, error) {
	etx, err := legacyTx(tx)
	if err != nil {
		return nil, err
	}
	return eip155Signer(tx).Hash(etx).Bytes(), nil
}

// TransactionHash is the hash a node reports for a raw signed transaction
func TransactionHash(raw []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", xerrors.Errorf("decoding transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func eip155Signer(tx *quotemarket.Transaction) types.Signer {
	return types.NewEIP155Signer(new(big.Int).SetUint64(tx.ChainID))
}

func legacyTx(tx *quotemarket.Transaction) (*types.Transaction, error) {
	to, err := decodeAddress(tx.To)
	if err != nil {
		return nil, xerrors.Errorf("recipient: %w", err)
	}
	if tx.GasPrice.Int == nil || tx.Value.Int == nil {
		return nil, xerrors.New("transaction without gas price or value")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: new(big.Int).Set(tx.GasPrice.Int),
		Gas:      tx.GasLimit,
		To:       &to,
		Value:    new(big.Int).Set(tx.Value.Int),
		Data:     tx.Data,
	}), nil
}

func decodeAddress(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, xerrors.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
