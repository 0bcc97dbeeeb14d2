package ethledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// callMsg is the call object of eth_estimateGas
type callMsg struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// rpcReceipt is the subset of a transaction receipt the ledger reads
type rpcReceipt struct {
	TransactionHash string         `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
}

// ethAPI is the Ethereum JSON-RPC surface used by the ledger node
type ethAPI struct {
	ChainID               func(ctx context.Context) (hexutil.Uint64, error)                               `rpc_method:"eth_chainId"`
	GetTransactionCount   func(ctx context.Context, address string, block string) (hexutil.Uint64, error) `rpc_method:"eth_getTransactionCount"`
	GasPrice              func(ctx context.Context) (hexutil.Big, error)                                  `rpc_method:"eth_gasPrice"`
	EstimateGas           func(ctx context.Context, msg callMsg) (hexutil.Uint64, error)                  `rpc_method:"eth_estimateGas"`
	SendRawTransaction    func(ctx context.Context, raw hexutil.Bytes) (string, error)                    `rpc_method:"eth_sendRawTransaction"`
	GetTransactionReceipt func(ctx context.Context, txHash string) (*rpcReceipt, error)                   `rpc_method:"eth_getTransactionReceipt"`
}
