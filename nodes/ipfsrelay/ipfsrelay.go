package ipfsrelay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	files "github.com/ipfs/go-ipfs-files"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
)

var log = logging.Logger("ipfsrelay")

// DefaultEndpoint is the add endpoint of a local IPFS daemon
const DefaultEndpoint = "http://127.0.0.1:5001/api/v0/add"

// Node relays files through the add endpoint of an IPFS HTTP API
type Node struct {
	endpoint string
	client   *http.Client
}

var _ quotemarket.RelayNode = (*Node)(nil)

// NewNode creates a relay node for endpoint, DefaultEndpoint when empty.
// A nil client means http.DefaultClient.
func NewNode(endpoint string, client *http.Client) *Node {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Node{endpoint: endpoint, client: client}
}

// addedObject is one line of the add endpoint's newline delimited output
type addedObject struct {
	Name string
	Hash string
	Size json.Number
}

type apiError struct {
	Message string
	Code    int
}

// Add posts every file in one multipart request
func (n *Node) Add(ctx context.Context, rawFiles []quotemarket.RawFile) ([]quotemarket.RelayObject, error) {
	entries := make(map[string]files.Node, len(rawFiles))
	for _, f := range rawFiles {
		entries[f.Name] = files.NewReaderFile(f.Content)
	}
	body := files.NewMultiFileReader(files.NewMapDirectory(entries), true)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+body.Boundary())

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("posting to relay: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Message != "" {
			return nil, xerrors.Errorf("relay responded %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, xerrors.Errorf("relay responded %d: %s", resp.StatusCode, msg)
	}

	var objects []quotemarket.RelayObject
	dec := json.NewDecoder(resp.Body)
	for {
		var obj addedObject
		if err := dec.Decode(&obj); err == io.EOF {
			break
		} else if err != nil {
			return nil, xerrors.Errorf("decoding relay output: %w", err)
		}
		if obj.Name == "" || obj.Hash == "" {
			continue
		}
		size, err := strconv.ParseUint(obj.Size.String(), 10, 64)
		if err != nil && obj.Size != "" {
			return nil, xerrors.Errorf("relay size %q for %q: %w", obj.Size, obj.Name, err)
		}
		objects = append(objects, quotemarket.RelayObject{Name: obj.Name, Hash: obj.Hash, Size: size})
	}
	log.Debugw("relayed files", "endpoint", n.endpoint, "files", len(objects))
	return objects, nil
}
