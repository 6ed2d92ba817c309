// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package veilrelay

import (
	"crypto/rand"
	"math/big"
)

// identityAlphabet is the alphabet used for session identity cookies (§6).
const identityAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// tokenAlphabet is the visually-unambiguous alphabet used for published URL
// tokens (§3), deliberately excluding characters easily confused with one
// another (i, l, o, 0, 1).
const tokenAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

const (
	identityMinLen = 40
	identityMaxLen = 60
	tokenMinLen    = 4
	tokenMaxLen    = 24
)

// randomString draws n characters from alphabet using crypto/rand. A
// custom alphabet generator is used instead of a general-purpose ID library
// (e.g. teris-io/shortid, which requires an exactly-64-character alphabet)
// because neither the 62-character identity alphabet nor the 32-character
// token alphabet satisfies that constraint.
func randomString(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func randomIdentityLength() (int, error) {
	span := big.NewInt(int64(identityMaxLen - identityMinLen + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return identityMinLen + int(n.Int64()), nil
}

func randomTokenLength() (int, error) {
	span := big.NewInt(int64(tokenMaxLen - tokenMinLen + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return tokenMinLen + int(n.Int64()), nil
}

// newIdentity generates a fresh, alphabet-conforming session identity.
func newIdentity() (string, error) {
	n, err := randomIdentityLength()
	if err != nil {
		return "", err
	}
	return randomString(identityAlphabet, n)
}

// newToken generates a fresh, alphabet-conforming published URL token.
func newToken() (string, error) {
	n, err := randomTokenLength()
	if err != nil {
		return "", err
	}
	return randomString(tokenAlphabet, n)
}

// isAlphanumeric reports whether s consists solely of ASCII letters and
// digits, the validity check applied to a cookie-supplied identity before
// it is trusted as a registry lookup key (§4.2).
func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
