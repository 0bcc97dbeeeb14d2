// Package signing builds and checks the personal-message signatures clients
// attach to upload requests.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	gocrypto "github.com/filecoin-project/go-crypto"
	"golang.org/x/crypto/sha3"
	"golang.org/x/xerrors"
)

const (
	// SignatureLen is the length of an [R || S || V] secp256k1 signature
	SignatureLen = 65

	personalMessagePrefix = "\x19Ethereum Signed Message:\n"
)

// MessageText is the text a client signs for an upload: the hex sha256 of the
// quote id followed by the nonce, 0x prefixed
func MessageText(quoteID string, nonce string) string {
	sum := sha256.Sum256([]byte(quoteID + nonce))
	return "0x" + hex.EncodeToString(sum[:])
}

// BuildMessage returns the 32 byte digest that is signed for (quoteID, nonce):
// the keccak256 of the personal-message envelope around MessageText
func BuildMessage(quoteID string, nonce string) []byte {
	return PersonalMessageHash([]byte(MessageText(quoteID, nonce)))
}

// PersonalMessageHash wraps msg in the personal-message envelope and hashes it
func PersonalMessageHash(msg []byte) []byte {
	return Keccak256([]byte(fmt.Sprintf("%s%d", personalMessagePrefix, len(msg))), msg)
}

// Keccak256 hashes the concatenation of data
func Keccak256(data ...[]byte) []byte {
	hasher := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hasher.Write(d) //nolint:errcheck
	}
	return hasher.Sum(nil)
}

// Sign signs a 32 byte digest and returns the 0x prefixed hex signature with
// V in {27, 28}
func Sign(digest []byte, privateKey []byte) (string, error) {
	sig, err := gocrypto.Sign(privateKey, digest)
	if err != nil {
		return "", xerrors.Errorf("signing message: %w", err)
	}
	if len(sig) != SignatureLen {
		return "", xerrors.Errorf("unexpected signature length %d", len(sig))
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Recover returns the lower case 0x address that produced signature over digest
func Recover(digest []byte, signature string) (string, error) {
	sig, err := DecodeHex(signature)
	if err != nil {
		return "", xerrors.Errorf("decoding signature: %w", err)
	}
	if len(sig) != SignatureLen {
		return "", xerrors.Errorf("signature should be %d bytes long, but got %d bytes", SignatureLen, len(sig))
	}
	switch sig[64] {
	case 0, 1:
	case 27, 28:
		sig[64] -= 27
	default:
		return "", xerrors.Errorf("invalid 'v' value %d", sig[64])
	}

	pubk, err := gocrypto.EcRecover(digest, sig)
	if err != nil {
		return "", xerrors.Errorf("recovering public key: %w", err)
	}
	return AddressFromPubKey(pubk)
}

// AddressFromPubKey derives the account address of an uncompressed secp256k1
// public key
func AddressFromPubKey(pubk []byte) (string, error) {
	const pubKeyLen = 65
	if len(pubk) != pubKeyLen {
		return "", xerrors.Errorf("public key should have %d in length, but got %d", pubKeyLen, len(pubk))
	}
	if pubk[0] != 0x04 {
		return "", xerrors.Errorf("expected first byte of secp256k1 to be 0x04 (uncompressed)")
	}
	return "0x" + hex.EncodeToString(Keccak256(pubk[1:])[12:]), nil
}

// AddressFromPrivateKey derives the account address of a private key
func AddressFromPrivateKey(privateKey []byte) (string, error) {
	return AddressFromPubKey(gocrypto.PublicKey(privateKey))
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key
func ParsePrivateKey(s string) ([]byte, error) {
	pk, err := DecodeHex(s)
	if err != nil {
		return nil, err
	}
	if len(pk) != 32 {
		return nil, xerrors.Errorf("private key should be 32 bytes, got %d", len(pk))
	}
	return pk, nil
}

// DecodeHex decodes hex with or without a 0x prefix
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// NormalizeAddress validates a 20 byte hex address and lower cases it
func NormalizeAddress(addr string) (string, error) {
	b, err := DecodeHex(addr)
	if err != nil {
		return "", xerrors.Errorf("invalid address %q: %w", addr, err)
	}
	if len(b) != 20 {
		return "", xerrors.Errorf("invalid address %q: expected 20 bytes, got %d", addr, len(b))
	}
	return "0x" + hex.EncodeToString(b), nil
}

// SameAddress compares two hex addresses regardless of case and prefix
func SameAddress(a, b string) bool {
	na, err := NormalizeAddress(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeAddress(b)
	if err != nil {
		return false
	}
	return na == nb
}
