/*
 * Reach
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package secret seals and opens authenticated ciphertexts under a
// process-wide symmetric key. It keeps captured browser cookies
// encrypted at rest; the key comes from configuration and is never
// stored next to the ciphertext.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeyLength is the length in bytes of the symmetric key.
const KeyLength = 32

// nonceLength is the length of the secretbox nonce.
const nonceLength = 24

// Key is a secretbox sealing key.
type Key []byte

// sealedData is the JSON envelope a sealed value is stored as.
type sealedData struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// NewKey generates a fresh random key.
func NewKey() (Key, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return Key(key), nil
}

// ParseKey decodes a base64 encoded key.
func ParseKey(encoded []byte) (Key, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(raw, encoded)
	if err != nil {
		return nil, trace.BadParameter("encryption key is not valid base64: %v", err)
	}
	if n != KeyLength {
		return nil, trace.BadParameter("encryption key must be %d bytes, got %d", KeyLength, n)
	}
	return Key(raw[:n]), nil
}

// String returns the base64 encoding of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k)
}

// Seal encrypts and authenticates plaintext under a fresh nonce and
// returns the JSON envelope holding ciphertext and nonce.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	if len(k) != KeyLength {
		return nil, trace.BadParameter("invalid key length %d", len(k))
	}
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	var boxKey [KeyLength]byte
	copy(boxKey[:], k)

	sealed := secretbox.Seal(nil, plaintext, &nonce, &boxKey)
	out, err := json.Marshal(sealedData{
		Ciphertext: sealed,
		Nonce:      nonce[:],
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Open authenticates the sealed envelope and, if valid, decrypts and
// returns the plaintext.
func (k Key) Open(envelope []byte) ([]byte, error) {
	if len(k) != KeyLength {
		return nil, trace.BadParameter("invalid key length %d", len(k))
	}
	var data sealedData
	if err := json.Unmarshal(envelope, &data); err != nil {
		return nil, trace.BadParameter("sealed envelope is not valid JSON: %v", err)
	}
	if len(data.Nonce) != nonceLength {
		return nil, trace.BadParameter("invalid nonce length %d", len(data.Nonce))
	}
	var nonce [nonceLength]byte
	copy(nonce[:], data.Nonce)
	var boxKey [KeyLength]byte
	copy(boxKey[:], k)

	plaintext, ok := secretbox.Open(nil, data.Ciphertext, &nonce, &boxKey)
	if !ok {
		return nil, trace.BadParameter("ciphertext failed authentication")
	}
	return plaintext, nil
}
