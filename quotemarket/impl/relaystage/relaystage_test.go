package relaystage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/relaystage"
	"github.com/filecoin-project/go-quote-market/quotemarket/testnodes"
	tut "github.com/filecoin-project/go-quote-market/shared_testutil"
)

func rawFiles(contents ...string) []quotemarket.RawFile {
	var files []quotemarket.RawFile
	for i, c := range contents {
		files = append(files, quotemarket.RawFile{
			Name:        string(rune('a'+i)) + ".txt",
			ContentType: "text/plain",
			Content:     strings.NewReader(c),
		})
	}
	return files
}

type harness struct {
	ctx    context.Context
	store  *quotestore.Store
	relay  *testnodes.FakeRelayNode
	stager *relaystage.Stager
	quote  quotemarket.Quote
}

func newHarness(t *testing.T, placeholders int) *harness {
	ctx := context.Background()
	store, err := quotestore.New(dss.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)
	quote := quotemarket.Quote{QuoteID: "q1", Status: quotemarket.QuoteUploadingToStorage}
	require.NoError(t, store.Quotes.Put(ctx, quote.QuoteID, quote))
	for i := 0; i < placeholders; i++ {
		id, err := store.NextFileID(ctx)
		require.NoError(t, err)
		require.NoError(t, store.PutFile(ctx, quotemarket.File{ID: id, QuoteID: quote.QuoteID, Length: 123}))
	}
	relay := testnodes.NewFakeRelayNode()
	return &harness{
		ctx:    ctx,
		store:  store,
		relay:  relay,
		stager: relaystage.NewStager(store, relay, ""),
		quote:  quote,
	}
}

func (h *harness) files(t *testing.T) []quotemarket.File {
	files, err := h.store.QuoteFiles(h.ctx, h.quote.QuoteID)
	require.NoError(t, err)
	return files
}

func TestStageFiles(t *testing.T) {
	t.Run("fills placeholders in input order", func(t *testing.T) {
		h := newHarness(t, 2)
		h.relay.Reverse = true

		refs, err := h.stager.StageFiles(h.ctx, h.quote, rawFiles("hello", "world!"))
		require.NoError(t, err)

		hello := tut.MakeCID("hello", nil).String()
		world := tut.MakeCID("world!", nil).String()
		require.Equal(t, []string{"ipfs://" + hello, "ipfs://" + world}, refs)

		files := h.files(t)
		require.Len(t, files, 2)
		require.Equal(t, uint64(1), files[0].ID)
		require.Equal(t, "a.txt", files[0].Title)
		require.Equal(t, hello, files[0].ContentID)
		require.Equal(t, uint64(5), files[0].Length)
		require.Equal(t, "text/plain", files[0].ContentType)
		require.Equal(t, "https://ipfs.io/ipfs/"+hello+"?filename=a.txt", files[0].PublicURL)
		require.Equal(t, "ipfs://"+hello, files[0].StoredURL)
		require.Equal(t, world, files[1].ContentID)
		require.Equal(t, uint64(6), files[1].Length)
	})

	t.Run("creates records beyond the placeholders", func(t *testing.T) {
		h := newHarness(t, 1)
		refs, err := h.stager.StageFiles(h.ctx, h.quote, rawFiles("x", "y", "z"))
		require.NoError(t, err)
		require.Len(t, refs, 3)

		files := h.files(t)
		require.Len(t, files, 3)
		for _, f := range files {
			require.True(t, f.Staged())
		}
	})

	t.Run("custom gateway", func(t *testing.T) {
		stager := relaystage.NewStager(nil, nil, "http://localhost:8080/")
		require.Equal(t, "http://localhost:8080/ipfs/bafy?filename=my+file.txt", stager.PublicURL("bafy", "my file.txt"))
	})
}

func TestStageFilesFailures(t *testing.T) {
	testCases := map[string]struct {
		setup       func(h *harness)
		files       []quotemarket.RawFile
		expectedErr error
	}{
		"relay unreachable": {
			setup:       func(h *harness) { h.relay.AddError = xerrors.New("connection refused") },
			files:       rawFiles("a", "b"),
			expectedErr: quotemarket.ErrRelayFailure,
		},
		"invalid content id": {
			setup:       func(h *harness) { h.relay.BadHash = true },
			files:       rawFiles("a", "b"),
			expectedErr: quotemarket.ErrRelayFailure,
		},
		"unknown object name": {
			setup:       func(h *harness) { h.relay.Rename["b.txt"] = "c.txt" },
			files:       rawFiles("a", "b"),
			expectedErr: quotemarket.ErrRelayFailure,
		},
		"duplicate input names": {
			files: []quotemarket.RawFile{
				{Name: "same", Content: strings.NewReader("1")},
				{Name: "same", Content: strings.NewReader("2")},
			},
			expectedErr: quotemarket.ErrInvalidInput,
		},
		"no files": {
			expectedErr: quotemarket.ErrInvalidInput,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 2)
			if tc.setup != nil {
				tc.setup(h)
			}
			_, err := h.stager.StageFiles(h.ctx, h.quote, tc.files)
			require.True(t, xerrors.Is(err, tc.expectedErr), "expected %s, got %v", tc.expectedErr, err)
			for _, f := range h.files(t) {
				require.False(t, f.Staged())
			}
		})
	}
}

func TestStageFilesCanceled(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	h.relay.AddError = context.Canceled
	_, err := h.stager.StageFiles(ctx, h.quote, rawFiles("a"))
	require.True(t, quotemarket.IsRetriable(err))
	require.False(t, xerrors.Is(err, quotemarket.ErrRelayFailure))
}
