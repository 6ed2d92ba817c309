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
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"
)

// deflateTrailer is the four bytes permessage-deflate strips from a
// compressed message before sending, and that must be restored before
// inflating (RFC 7692 §7.2.2).
var deflateTrailer = []byte{0x00, 0x00, 0xFF, 0xFF}

// inflate decompresses a permessage-deflate payload: the trailer is
// re-appended and the result run through raw (headerless) DEFLATE.
func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(io.MultiReader(bytes.NewReader(compressed), bytes.NewReader(deflateTrailer)))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxMessagePayload+1))
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	if len(out) > maxMessagePayload {
		return nil, violation("inflated message exceeds size cap")
	}
	return out, nil
}

// deflate compresses payload with raw DEFLATE and appends the single
// terminal padding byte the encoder contract (§4.1) requires to flush a
// final non-stored block.
func deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errors.Wrap(err, "deflate: new writer")
	}
	if _, err := w.Write(payload); err != nil {
		return nil, errors.Wrap(err, "deflate: write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate: close")
	}
	out := buf.Bytes()
	out = bytes.TrimSuffix(out, deflateTrailer)
	out = append(out, 0x00)
	return out, nil
}
