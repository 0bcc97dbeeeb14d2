package shared_testutil

import (
	"math/rand"
	"strconv"
	"testing"

	gocrypto "github.com/filecoin-project/go-crypto"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/signing"
)

// TestTokenAddress is the token used by test quote requests
const TestTokenAddress = "0x9c3C9283D3e44854697Cd22D3Faa240Cfb032889"

// TestApproveAddress is the spender returned by test pricing
const TestApproveAddress = "0xAFcE990754C38Be5E0C341707B2A162C4e67547B"

// TestChainID is the chain of test quote requests
const TestChainID = 80001

// Wallet is a test key pair
type Wallet struct {
	PrivateKey []byte
	Address    string
}

// RequireGenerateWallet generates a fresh secp256k1 wallet
func RequireGenerateWallet(t *testing.T) Wallet {
	pk, err := gocrypto.GenerateKey()
	require.NoError(t, err)
	addr, err := signing.AddressFromPrivateKey(pk)
	require.NoError(t, err)
	return Wallet{PrivateKey: pk, Address: addr}
}

// RequireSignUpload builds the upload parameters a client sends for quoteID
// at nonce
func RequireSignUpload(t *testing.T, w Wallet, quoteID string, nonce int64) quotemarket.UploadParams {
	n := strconv.FormatInt(nonce, 10)
	sig, err := signing.Sign(signing.BuildMessage(quoteID, n), w.PrivateKey)
	require.NoError(t, err)
	return quotemarket.UploadParams{Nonce: n, Signature: sig}
}

// MakeTestTokenAmount generates a valid yet random TokenAmount with a non-zero value.
func MakeTestTokenAmount() abi.TokenAmount {
	return big.NewInt(rand.Int63n(1<<40) + 1)
}

// MakeTestQuoteRequest generates a quote request for two files of length 123
// on the filecoin storage
func MakeTestQuoteRequest(userAddress string) quotemarket.QuoteRequest {
	return quotemarket.QuoteRequest{
		Type:     "filecoin",
		Files:    []quotemarket.FileSpec{{Length: 123}, {Length: 123}},
		Duration: 12,
		Payment: quotemarket.PaymentSpec{
			ChainID:      TestChainID,
			TokenAddress: TestTokenAddress,
		},
		UserAddress: userAddress,
	}
}

// MakeTestStorage returns the filecoin storage backend served at url
func MakeTestStorage(url string) quotemarket.Storage {
	return quotemarket.Storage{
		Type:        "filecoin",
		Description: "Filecoin",
		URL:         url,
	}
}
