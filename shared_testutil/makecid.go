package shared_testutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// RawPrefix is the prefix of CIDs the relay assigns to raw file content
var RawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// make a cid directly with a given input and prefix
func MakeCID(input string, prefix *cid.Prefix) cid.Cid {
	if prefix == nil {
		prefix = &RawPrefix
	}
	c, err := prefix.Sum([]byte(input))
	if err != nil {
		panic(err)
	}
	return c
}

// GenerateCids returns n distinct raw content CIDs
func GenerateCids(n int) []cid.Cid {
	cids := make([]cid.Cid, 0, n)
	for i := 0; i < n; i++ {
		cids = append(cids, MakeCID(fmt.Sprintf("content %d", i), nil))
	}
	return cids
}
