// Package recordstore keeps JSON encoded records in a go-datastore, one key
// per record under a table prefix.
package recordstore

import (
	"context"
	"encoding/json"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when no record exists for an id
var ErrNotFound = datastore.ErrNotFound

// Table is a set of records of one type
type Table[T any] struct {
	ds     datastore.Batching
	prefix datastore.Key
}

// NewTable returns the table stored under prefix in ds
func NewTable[T any](ds datastore.Batching, prefix string) *Table[T] {
	return &Table[T]{ds: ds, prefix: datastore.NewKey(prefix)}
}

func (t *Table[T]) key(id string) datastore.Key {
	return t.prefix.ChildString(id)
}

// Get loads the record stored under id
func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	b, err := t.ds.Get(ctx, t.key(id))
	if err != nil {
		return out, xerrors.Errorf("getting %s: %w", t.key(id), err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, xerrors.Errorf("decoding %s: %w", t.key(id), err)
	}
	return out, nil
}

// Has reports whether a record exists under id
func (t *Table[T]) Has(ctx context.Context, id string) (bool, error) {
	return t.ds.Has(ctx, t.key(id))
}

// Put stores v under id, replacing any previous record
func (t *Table[T]) Put(ctx context.Context, id string, v T) error {
	return t.Stage(ctx, t.ds, id, v)
}

// Stage writes v under id through w, typically a batch shared with other tables
func (t *Table[T]) Stage(ctx context.Context, w datastore.Write, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encoding %s: %w", t.key(id), err)
	}
	return w.Put(ctx, t.key(id), b)
}

// Delete removes the record stored under id
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.ds.Delete(ctx, t.key(id))
}

// List returns every record in the table, in no particular order
func (t *Table[T]) List(ctx context.Context) ([]T, error) {
	return t.Find(ctx, nil)
}

// Find returns the records for which match is true. A nil match selects all
// records.
func (t *Table[T]) Find(ctx context.Context, match func(T) bool) ([]T, error) {
	return t.find(ctx, t.prefix, match)
}

// FindUnder is Find restricted to the records whose id starts with the path
// segment group, as with ids of the form "group/id"
func (t *Table[T]) FindUnder(ctx context.Context, group string, match func(T) bool) ([]T, error) {
	return t.find(ctx, t.prefix.ChildString(group), match)
}

func (t *Table[T]) find(ctx context.Context, prefix datastore.Key, match func(T) bool) ([]T, error) {
	res, err := t.ds.Query(ctx, query.Query{Prefix: prefix.String()})
	if err != nil {
		return nil, err
	}
	defer res.Close() //nolint:errcheck

	var out []T
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, xerrors.Errorf("decoding %s: %w", r.Key, err)
		}
		if match == nil || match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Batch opens a batch on the datastore backing the table
func (t *Table[T]) Batch(ctx context.Context) (datastore.Batch, error) {
	return t.ds.Batch(ctx)
}
