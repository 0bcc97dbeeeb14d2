// Package relaystage pushes uploaded files to the content addressed relay and
// records what the relay made of them.
package relaystage

import (
	"context"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
)

var log = logging.Logger("relaystage")

const (
	// DefaultGateway serves relay content publicly
	DefaultGateway = "https://ipfs.io"

	// ReferenceScheme prefixes the content references handed to storage backends
	ReferenceScheme = "ipfs://"
)

// Stager stages files for a quote
type Stager struct {
	store   *quotestore.Store
	node    quotemarket.RelayNode
	gateway string
}

// NewStager returns a stager pushing to node. Public URLs are built on gateway.
func NewStager(store *quotestore.Store, node quotemarket.RelayNode, gateway string) *Stager {
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &Stager{store: store, node: node, gateway: strings.TrimSuffix(gateway, "/")}
}

// PublicURL is where the gateway serves a content id under its title
func (s *Stager) PublicURL(contentID string, title string) string {
	return s.gateway + "/ipfs/" + contentID + "?filename=" + url.QueryEscape(title)
}

// StageFiles adds files to the relay in one call and records one staged File
// per input on the quote, reusing the quote's placeholders in order. It
// returns one reference per input, in input order. When the relay call or its
// answer is unusable no record is changed.
func (s *Stager) StageFiles(ctx context.Context, quote quotemarket.Quote, files []quotemarket.RawFile) ([]string, error) {
	names, err := indexNames(files)
	if err != nil {
		return nil, err
	}

	objects, err := s.node.Add(ctx, files)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Errorf("adding files to relay: %w", ctx.Err())
		}
		return nil, xerrors.Errorf("%s: %w", err, quotemarket.ErrRelayFailure)
	}

	staged, err := s.match(files, names, objects)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", err, quotemarket.ErrRelayFailure)
	}

	placeholders, err := s.store.QuoteFiles(ctx, quote.QuoteID)
	if err != nil {
		return nil, xerrors.Errorf("loading files of quote: %w", err)
	}

	batch, err := s.store.Batch(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]string, len(files))
	for i, obj := range staged {
		file := quotemarket.File{QuoteID: quote.QuoteID}
		if i < len(placeholders) {
			file = placeholders[i]
		} else {
			id, err := s.store.NextFileID(ctx)
			if err != nil {
				return nil, xerrors.Errorf("allocating file id: %w", err)
			}
			file.ID = id
		}
		file.Title = obj.Name
		file.ContentID = obj.Hash
		file.PublicURL = s.PublicURL(obj.Hash, obj.Name)
		file.StoredURL = ReferenceScheme + obj.Hash
		file.ContentType = files[i].ContentType
		file.Length = obj.Size
		if err := s.store.StageFile(ctx, batch, file); err != nil {
			return nil, err
		}
		refs[i] = file.StoredURL
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, xerrors.Errorf("storing staged files: %w", err)
	}
	log.Infow("staged files", "quoteId", quote.QuoteID, "files", len(refs))
	return refs, nil
}

// ValidateFiles checks that files can be staged: at least one file, each
// with a name no other file has
func ValidateFiles(files []quotemarket.RawFile) error {
	_, err := indexNames(files)
	return err
}

func indexNames(files []quotemarket.RawFile) (map[string]int, error) {
	if len(files) == 0 {
		return nil, xerrors.Errorf("no files to stage: %w", quotemarket.ErrInvalidInput)
	}
	names := make(map[string]int, len(files))
	for i, f := range files {
		if f.Name == "" {
			return nil, xerrors.Errorf("file %d has no name: %w", i, quotemarket.ErrInvalidInput)
		}
		if _, dup := names[f.Name]; dup {
			return nil, xerrors.Errorf("file name %q submitted twice: %w", f.Name, quotemarket.ErrInvalidInput)
		}
		names[f.Name] = i
	}
	return names, nil
}

// match orders relay objects like the submitted files. The relay does not
// promise to answer in submission order, so objects are matched by name.
func (s *Stager) match(files []quotemarket.RawFile, names map[string]int, objects []quotemarket.RelayObject) ([]quotemarket.RelayObject, error) {
	if len(objects) != len(files) {
		return nil, xerrors.Errorf("relay reported %d objects for %d files", len(objects), len(files))
	}
	staged := make([]quotemarket.RelayObject, len(files))
	seen := make([]bool, len(files))
	for _, obj := range objects {
		i, ok := names[obj.Name]
		if !ok {
			return nil, xerrors.Errorf("relay reported unknown object %q", obj.Name)
		}
		if seen[i] {
			return nil, xerrors.Errorf("relay reported %q twice", obj.Name)
		}
		if _, err := cid.Decode(obj.Hash); err != nil {
			return nil, xerrors.Errorf("relay reported invalid content id %q for %q: %w", obj.Hash, obj.Name, err)
		}
		seen[i] = true
		staged[i] = obj
	}
	return staged, nil
}
