// Package prf implements the TLS 1.0 pseudo-random function and the
// session-key derivation built on top of it: 256 bytes of bidirectional
// key material produced from the two exchanged random halves plus both
// protocol session IDs.
package prf

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"

	"github.com/protovpn/protovpn/internal/bytesx"
	"github.com/protovpn/protovpn/internal/keymat"
	"github.com/protovpn/protovpn/internal/model"
) //#nosec G501,G505
//  We know that sha1 and md5 are insecure, but we do not control the protocol.

// randomFn allows mocking the randomness source in tests.
var randomFn = bytesx.GenRandomBytes

// errRandomSource is the error returned when the randomness source fails.
var errRandomSource = fmt.Errorf("prf: cannot source randomness")

// KeySource contains the random halves contributed by one endpoint.
// The PreMaster half is only present on the client side.
type KeySource struct {
	R1        [32]byte
	R2        [32]byte
	PreMaster [48]byte
}

// NewKeySource constructs a new [KeySource] with fresh randomness,
// filling each half in place.
func NewKeySource() (*KeySource, error) {
	ks := &KeySource{}
	for _, half := range [][]byte{ks.R1[:], ks.R2[:], ks.PreMaster[:]} {
		random, err := randomFn(len(half))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errRandomSource, err.Error())
		}
		copy(half, random)
	}
	return ks, nil
}

// Wipe zeroes the random halves after they have been consumed.
func (k *KeySource) Wipe() {
	for i := range k.R1 {
		k.R1[i] = 0
	}
	for i := range k.R2 {
		k.R2[i] = 0
	}
	for i := range k.PreMaster {
		k.PreMaster[i] = 0
	}
}

// DeriveKey runs the two-step TLS-PRF construction and returns the
// 256-byte key material. Both peers call it with the *client* sources
// first, so they compute identical material and then select mirrored
// slots via [keymat.Inverse].
func DeriveKey(client, server *KeySource, clientSID, serverSID model.SessionID) (*keymat.Key, error) {
	master := prf(
		client.PreMaster[:],
		[]byte("OpenVPN master secret"),
		client.R1[:],
		server.R1[:],
		nil, nil,
		48)

	expansion := prf(
		master,
		[]byte("OpenVPN key expansion"),
		client.R2[:],
		server.R2[:],
		clientSID[:],
		serverSID[:],
		keymat.KeySize)

	key := &keymat.Key{}
	if err := key.Write(expansion); err != nil {
		return nil, err
	}
	for i := range master {
		master[i] = 0
	}
	for i := range expansion {
		expansion[i] = 0
	}
	return key, nil
}

// prf is used to derive master and session keys.
func prf(secret, label, clientSeed, serverSeed, clientSid, serverSid []byte, olen int) []byte {
	seed := append([]byte{}, clientSeed...)
	seed = append(seed, serverSeed...)
	if len(clientSid) != 0 {
		seed = append(seed, clientSid...)
	}
	if len(serverSid) != 0 {
		seed = append(seed, serverSid...)
	}
	result := make([]byte, olen)
	return prf10(result, secret, label, seed)
}

// Code below is adapted from crypto/tls/prf.go
// Copyright 2009 The Go Authors. All rights reserved.
// SPDX-License-Identifier: BSD-3-Clause
// prf10 implements the TLS 1.0 pseudo-random function, as defined in RFC 2246, Section 5.
func prf10(result, secret, label, seed []byte) []byte {
	hashSHA1 := sha1.New
	hashMD5 := md5.New

	labelAndSeed := make([]byte, len(label)+len(seed))
	copy(labelAndSeed, label)
	copy(labelAndSeed[len(label):], seed)

	s1, s2 := splitPreMasterSecret(secret)
	pHash(result, s1, labelAndSeed, hashMD5)
	result2 := make([]byte, len(result))
	pHash(result2, s2, labelAndSeed, hashSHA1)
	for i, b := range result2 {
		result[i] ^= b
	}
	return result
}

// SPDX-License-Identifier: BSD-3-Clause
// Split a premaster secret in two as specified in RFC 4346, Section 5.
func splitPreMasterSecret(secret []byte) (s1, s2 []byte) {
	s1 = secret[0 : (len(secret)+1)/2]
	s2 = secret[len(secret)/2:]
	return
}

// SPDX-License-Identifier: BSD-3-Clause
// pHash implements the P_hash function, as defined in RFC 4346, Section 5.
func pHash(result, secret, seed []byte, hash func() hash.Hash) {
	h := hmac.New(hash, secret)
	h.Write(seed)
	a := h.Sum(nil)
	j := 0
	for j < len(result) {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		copy(result[j:], b)
		j += len(b)
		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}
