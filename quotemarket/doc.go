/*
Package quotemarket brokers storage purchase quotes between a client, an EVM
payment chain and a pluggable set of decentralized storage backends.

A client asks for a quote to store a set of files on a chosen storage type. The
broker prices the request through the storage backend, records the payment
plumbing (payment method, accepted token, payment) and persists a Quote in
status QuoteWaitingForUpload. The client then uploads its files together with a
signed, strictly increasing nonce. The broker checks freshness and signature,
stages the files on a content-addressed relay (IPFS) and hands the resulting
references to the storage backend's own upload endpoint.

Major Dependencies

https://github.com/filecoin-project/go-statemachine - transition tables for quote and payment status
https://github.com/ipfs/go-datastore - persisting quotes, files and payment records
https://github.com/filecoin-project/go-crypto - secp256k1 signing and key recovery
https://github.com/filecoin-project/go-jsonrpc - talking to the payment chain
https://github.com/ethereum/go-ethereum - EIP-155 transaction encoding and signing
https://github.com/ipfs/go-ipfs-files - building relay uploads

This top level package defines the entities, enumerations, errors and the
interfaces of external collaborators. The primary implementation lives in the
`impl` directory; a node is expected to supply a LedgerNode, a RelayNode and a
StorageNode when constructing the Broker.
*/
package quotemarket
