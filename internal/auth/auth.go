package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a pre-shared key, a derived MAC key and a tag.
const KeySize = 32

const (
	passphraseContext = "a12relay 2026-01 passphrase to psk"
	macContext        = "a12relay 2026-01 handshake mac key"
)

var ErrEmptyKey = errors.New("empty authentication key")

// Key is a pre-shared a12 authentication key.
type Key [KeySize]byte

// Tag is a keyed BLAKE3 MAC.
type Tag [KeySize]byte

// GenerateKey returns a random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKey accepts either 64 hex characters or an arbitrary passphrase,
// which is stretched into a key with BLAKE3 key derivation.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, ErrEmptyKey
	}
	var k Key
	if len(s) == 2*KeySize {
		if n, err := hex.Decode(k[:], []byte(s)); err == nil && n == KeySize {
			return k, nil
		}
	}
	blake3.DeriveKey(passphraseContext, []byte(s), k[:])
	return k, nil
}

// String returns the hex form accepted by ParseKey.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// DeriveMACKey derives the handshake MAC key so the raw PSK is never used
// directly as a MAC key.
func DeriveMACKey(k Key) Key {
	var out Key
	blake3.DeriveKey(macContext, k[:], out[:])
	return out
}

// ComputeTag returns BLAKE3-keyed(macKey, parts...). Each part is length
// prefixed so different splits of the same bytes never collide.
func ComputeTag(macKey Key, parts ...[]byte) Tag {
	h, err := blake3.NewKeyed(macKey[:])
	if err != nil {
		panic(fmt.Sprintf("auth: blake3 keyed init: %v", err))
	}
	var lenbuf [4]byte
	for _, p := range parts {
		n := len(p)
		lenbuf[0], lenbuf[1], lenbuf[2], lenbuf[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		h.Write(lenbuf[:])
		h.Write(p)
	}
	var t Tag
	copy(t[:], h.Sum(nil))
	return t
}

// VerifyTag checks tag against the expected MAC in constant time.
func VerifyTag(macKey Key, tag Tag, parts ...[]byte) bool {
	expected := ComputeTag(macKey, parts...)
	return subtle.ConstantTimeCompare(tag[:], expected[:]) == 1
}
