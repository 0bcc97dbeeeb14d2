package quotemarket

import (
	"io"
	"strings"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
)

// Storage describes a storage backend that quotes can be placed on
type Storage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// UploadURL is the endpoint receiving final upload handoffs
func (s Storage) UploadURL() string {
	return joinURL(s.URL, "upload/")
}

// QuoteURL is the endpoint pricing quote requests
func (s Storage) QuoteURL() string {
	return joinURL(s.URL, "getQuote/")
}

func joinURL(base, path string) string {
	if strings.HasSuffix(base, "/") {
		return base + path
	}
	return base + "/" + path
}

// PaymentMethod pairs a chain with a storage backend
type PaymentMethod struct {
	ID             uint64 `json:"id"`
	ChainID        uint64 `json:"chainId"`
	RPCEndpointURL string `json:"rpcEndpointUrl"`
	Storage        string `json:"storage"`
}

// AcceptedToken is a token contract usable under a payment method
type AcceptedToken struct {
	ID              uint64 `json:"id"`
	Title           string `json:"title"`
	TokenAddress    string `json:"tokenAddress"`
	PaymentMethodID uint64 `json:"paymentMethod"`
}

// Payment is a single payment attempt, bound to exactly one quote
type Payment struct {
	ID              uint64        `json:"id"`
	Status          PaymentStatus `json:"status"`
	WalletAddress   string        `json:"walletAddress"`
	PaymentMethodID uint64        `json:"paymentMethod"`
	QuoteID         string        `json:"quoteId"`
	TxHash          string        `json:"txHash,omitempty"`
}

// Quote is a priced, time bounded offer to store a set of files
type Quote struct {
	QuoteID        string          `json:"quoteId"`
	Storage        string          `json:"storage"`
	Duration       uint64          `json:"duration"`
	PaymentID      uint64          `json:"payment"`
	WalletAddress  string          `json:"walletAddress"`
	TokenAmount    abi.TokenAmount `json:"tokenAmount"`
	ApproveAddress string          `json:"approveAddress"`
	TokenAddress   string          `json:"tokenAddress"`
	ChainID        uint64          `json:"chainId"`
	// Nonce is the last accepted upload nonce; zero until the first upload
	Nonce   time.Time   `json:"nonce"`
	Created time.Time   `json:"created"`
	Status  QuoteStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// File is one file of a quote, first as a length-only placeholder and then
// as a relay-staged object
type File struct {
	ID            uint64 `json:"id"`
	QuoteID       string `json:"quoteId"`
	Title         string `json:"title,omitempty"`
	ContentID     string `json:"cid,omitempty"`
	PublicURL     string `json:"publicUrl,omitempty"`
	StoredURL     string `json:"storedUrl,omitempty"`
	OriginalURL   string `json:"originalUrl,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ObjectContent []byte `json:"objectContent,omitempty"`
	IsBytes       bool   `json:"isBytes"`
	Length        uint64 `json:"length"`
}

// Staged is true once the file references relay content
func (f File) Staged() bool {
	return f.ContentID != ""
}

// FileSpec is the length-only description of a file in a quote request
type FileSpec struct {
	Length uint64 `json:"length"`
}

// PaymentSpec selects the chain and token a quote is paid with
type PaymentSpec struct {
	ChainID      uint64 `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

// QuoteRequest is a client request for a new quote
type QuoteRequest struct {
	Type        string      `json:"type"`
	Files       []FileSpec  `json:"files"`
	Duration    uint64      `json:"duration"`
	Payment     PaymentSpec `json:"payment"`
	UserAddress string      `json:"userAddress"`
}

// QuoteResponse is returned to the client for a newly created quote
type QuoteResponse struct {
	QuoteID        string          `json:"quoteId"`
	TokenAmount    abi.TokenAmount `json:"tokenAmount"`
	ApproveAddress string          `json:"approveAddress"`
	ChainID        uint64          `json:"chainId"`
	TokenAddress   string          `json:"tokenAddress"`
}

// PriceQuote is the pricing answer of a storage backend
type PriceQuote struct {
	QuoteID        string
	TokenAmount    abi.TokenAmount
	ApproveAddress string
	ChainID        uint64
	TokenAddress   string
}

// UploadParams authenticate an upload request. Nonce is a decimal unix
// timestamp in seconds and Signature a hex encoded personal-message signature
// over the quote id and nonce
type UploadParams struct {
	Nonce     string
	Signature string
}

// RawFile is a file submitted for upload
type RawFile struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// RelayObject is what the relay reports for one added file
type RelayObject struct {
	Name string
	Hash string
	Size uint64
}

// UploadRequest is the body handed to a storage backend
type UploadRequest struct {
	QuoteID   string   `json:"quoteId"`
	Nonce     string   `json:"nonce"`
	Signature string   `json:"signature"`
	Files     []string `json:"files"`
}

// UploadResponse is the raw storage backend answer to a handoff
type UploadResponse struct {
	StatusCode int
	Body       []byte
}

// Accepted is true for 2xx answers
func (r UploadResponse) Accepted() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transaction is an unsigned legacy (EIP-155) transaction
type Transaction struct {
	Nonce    uint64
	GasPrice abi.TokenAmount
	GasLimit uint64
	To       string
	Value    abi.TokenAmount
	Data     []byte
	ChainID  uint64
}

// ApprovalParams describe an ERC-20 approve call
type ApprovalParams struct {
	From    string
	Token   string
	Spender string
	Amount  abi.TokenAmount
	Nonce   uint64
	ChainID uint64
}

// Receipt is the outcome of a mined transaction
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	// Status is 1 for success and 0 for a reverted transaction
	Status uint64
}

// Succeeded is true when the transaction did not revert
func (r Receipt) Succeeded() bool {
	return r.Status == 1
}
