package a12

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/chronologos/a12relay/internal/auth"
)

// sealOverhead is the AEAD tag size added to every sealed frame.
const sealOverhead = chacha20poly1305.Overhead

var ErrDecrypt = errors.New("sealed frame failed authentication")

// sealer protects one direction of an active connection. The nonce is a
// per-direction frame counter, so each direction needs its own key.
type sealer struct {
	aead    cipher.AEAD
	counter uint64
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) nonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], s.counter)
	s.counter++
	return n
}

// seal appends a sealed frame to dst. The header is the associated data.
func (s *sealer) seal(dst []byte, typ MessageType, ch uint8, plain []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(plain)+s.aead.Overhead()))
	hdr[4] = byte(typ)
	hdr[5] = ch
	dst = append(dst, hdr[:]...)
	return s.aead.Seal(dst, s.nonce(), plain, hdr[:])
}

func (s *sealer) open(hdr, payload []byte) ([]byte, error) {
	plain, err := s.aead.Open(nil, s.nonce(), payload, hdr)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// deriveSessionKeys derives the client-to-server and server-to-client keys
// from the PSK, salted with both handshake nonces.
func deriveSessionKeys(psk auth.Key, clientNonce, serverNonce []byte) (c2s, s2c []byte, err error) {
	salt := make([]byte, 0, 2*NonceSize)
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	c2s, err = expand(psk[:], salt, "a12relay c2s")
	if err != nil {
		return nil, nil, err
	}
	s2c, err = expand(psk[:], salt, "a12relay s2c")
	if err != nil {
		return nil, nil, err
	}
	return c2s, s2c, nil
}

func expand(ikm, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
