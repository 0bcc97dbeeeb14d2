package ethledger_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-quote-market/nodes/ethledger"
	"github.com/filecoin-project/go-quote-market/quotemarket"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	require.NoError(t, err)
	return b
}

// eip155Tx is the example transaction of EIP-155
func eip155Tx() *quotemarket.Transaction {
	return &quotemarket.Transaction{
		Nonce:    9,
		GasPrice: abi.NewTokenAmount(20_000_000_000),
		GasLimit: 21000,
		To:       "0x3535353535353535353535353535353535353535",
		Value:    big.MustFromString("1000000000000000000"),
		ChainID:  1,
	}
}

func TestSigningHash(t *testing.T) {
	hash, err := ethledger.SigningHash(eip155Tx())
	require.NoError(t, err)
	require.Equal(t, "daf5a779ae972f972197303d7b574746c7ef83eadac0f2791ad23db92e4c8e53", hex.EncodeToString(hash))
}

func TestSignTransaction(t *testing.T) {
	node, err := ethledger.NewNode(ethledger.Config{})
	require.NoError(t, err)
	defer node.Close()

	pk := mustHex(t, strings.Repeat("46", 32))
	raw, err := node.SignTransaction(eip155Tx(), pk)
	require.NoError(t, err)
	require.Equal(t,
		"f86c098504a817c800825208943535353535353535353535353535353535353535880de0b6b3a76400008025a028ef61340bd939bc2195fe537567866003e1a15d3c71ff63e1590620aa636276a067cbe9d8997f761aecb703304b3800ccf555c9f3dc64214b297fb1966a3b6d83",
		hex.EncodeToString(raw))
	hash, err := ethledger.TransactionHash(raw)
	require.NoError(t, err)
	require.Equal(t, "0x33469b22e9f636356c4160a87eb19df52b7412e8eac32a4a55ffe88ea8350788", hash)

	bad := eip155Tx()
	bad.To = "0x1234"
	_, err = node.SignTransaction(bad, pk)
	require.Error(t, err)
	_, err = ethledger.SigningHash(bad)
	require.Error(t, err)

	_, err = ethledger.TransactionHash([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestApproveCallData(t *testing.T) {
	data, err := ethledger.ApproveCallData("0xAFcE990754C38Be5E0C341707B2A162C4e67547B", abi.NewTokenAmount(1024))
	require.NoError(t, err)
	require.Len(t, data, 68)
	require.Equal(t, "095ea7b3", hex.EncodeToString(data[:4]))
	require.Equal(t, "000000000000000000000000afce990754c38be5e0c341707b2a162c4e67547b", hex.EncodeToString(data[4:36]))
	require.Equal(t, strings.Repeat("00", 30)+"0400", hex.EncodeToString(data[36:]))

	_, err = ethledger.ApproveCallData("0xAFcE", abi.NewTokenAmount(1))
	require.Error(t, err)
	_, err = ethledger.ApproveCallData("0xAFcE990754C38Be5E0C341707B2A162C4e67547B", abi.NewTokenAmount(-1))
	require.Error(t, err)
	_, err = ethledger.ApproveCallData("0xAFcE990754C38Be5E0C341707B2A162C4e67547B", abi.TokenAmount{})
	require.Error(t, err)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeChain answers the handful of eth_ methods the ledger node uses
type fakeChain struct {
	lk           sync.Mutex
	methods      []string
	params       map[string][]json.RawMessage
	pendingPolls int
	sent         []string
}

func (f *fakeChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.lk.Lock()
	f.methods = append(f.methods, req.Method)
	f.params[req.Method] = req.Params
	var result interface{}
	switch req.Method {
	case "eth_chainId":
		result = "0x13881"
	case "eth_getTransactionCount":
		result = "0x9"
	case "eth_gasPrice":
		result = "0x4a817c800"
	case "eth_estimateGas":
		result = "0xc350"
	case "eth_sendRawTransaction":
		var raw string
		_ = json.Unmarshal(req.Params[0], &raw)
		f.sent = append(f.sent, raw)
		result, _ = ethledger.TransactionHash(mustDecode(raw))
	case "eth_getTransactionReceipt":
		if f.pendingPolls > 0 {
			f.pendingPolls--
			result = nil
		} else {
			var hash string
			_ = json.Unmarshal(req.Params[0], &hash)
			result = map[string]string{"transactionHash": hash, "blockNumber": "0x1b4", "status": "0x1"}
		}
	}
	f.lk.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func mustDecode(s string) []byte {
	b, _ := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	return b
}

func TestApprovalRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := &fakeChain{params: map[string][]json.RawMessage{}, pendingPolls: 2}
	srv := httptest.NewServer(chain)
	defer srv.Close()

	node, err := ethledger.NewNode(ethledger.Config{PollMin: time.Millisecond, PollMax: 5 * time.Millisecond})
	require.NoError(t, err)
	defer node.Close()

	from := "0x9d8a62f656a8d1615c1294fd71e9cfb3e4855a4f"
	count, err := node.TransactionCount(ctx, srv.URL, from)
	require.NoError(t, err)
	require.Equal(t, uint64(9), count)
	require.JSONEq(t, `"pending"`, string(chain.params["eth_getTransactionCount"][1]))

	tx, err := node.BuildApproval(ctx, srv.URL, quotemarket.ApprovalParams{
		From:    from,
		Token:   "0x9c3C9283D3e44854697Cd22D3Faa240Cfb032889",
		Spender: "0xAFcE990754C38Be5E0C341707B2A162C4e67547B",
		Amount:  abi.NewTokenAmount(1024),
		Nonce:   count,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(80001), tx.ChainID)
	require.Equal(t, uint64(60000), tx.GasLimit)
	require.True(t, tx.GasPrice.Equals(abi.NewTokenAmount(20_000_000_000)))
	require.True(t, tx.Value.IsZero())
	require.Equal(t, "0x9c3C9283D3e44854697Cd22D3Faa240Cfb032889", tx.To)

	var msg map[string]string
	require.NoError(t, json.Unmarshal(chain.params["eth_estimateGas"][0], &msg))
	require.Equal(t, from, msg["from"])
	require.Equal(t, "0x"+hex.EncodeToString(tx.Data), msg["data"])

	raw, err := node.SignTransaction(tx, mustHex(t, strings.Repeat("46", 32)))
	require.NoError(t, err)
	hash, err := node.SendRawTransaction(ctx, srv.URL, raw)
	require.NoError(t, err)
	expected, err := ethledger.TransactionHash(raw)
	require.NoError(t, err)
	require.Equal(t, expected, hash)
	require.Equal(t, []string{"0x" + hex.EncodeToString(raw)}, chain.sent)

	receipt, err := node.WaitForReceipt(ctx, srv.URL, hash)
	require.NoError(t, err)
	require.Equal(t, hash, receipt.TxHash)
	require.Equal(t, uint64(436), receipt.BlockNumber)
	require.True(t, receipt.Succeeded())
}

func TestWaitForReceiptTimeout(t *testing.T) {
	chain := &fakeChain{params: map[string][]json.RawMessage{}, pendingPolls: 1 << 30}
	srv := httptest.NewServer(chain)
	defer srv.Close()

	node, err := ethledger.NewNode(ethledger.Config{PollMin: time.Millisecond, PollMax: 2 * time.Millisecond})
	require.NoError(t, err)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = node.WaitForReceipt(ctx, srv.URL, "0x01")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
