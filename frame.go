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
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode identifies the wire opcode of a single frame, per RFC 6455 §5.2.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// maxFramePayload bounds a single frame's payload length (the per-read input
// buffer cap of §5). It is also the cap applied to a single-read accumulator.
const maxFramePayload = 10 * 1024 * 1024

// maxMessagePayload bounds the assembled-message accumulator of §5.
const maxMessagePayload = 10 * 1024 * 1024

// ProtocolViolation marks an error that is fatal to the session: the
// transport must be closed without surfacing a message to the client (§7
// tier 1).
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }

func violation(reason string) error {
	return &ProtocolViolation{Reason: reason}
}

// IsProtocolViolation reports whether err (or one of its wrapped causes) is
// a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// Frame is the decoded representation of one wire frame. Implementations are
// Continuation, Text, Ping and Pong — a tagged variant rather than a switch
// on the integer opcode (see DESIGN.md's "Polymorphism over frames").
type Frame interface {
	frameOpcode() Opcode
	isFinal() bool
	payload() []byte
}

// ContinuationFrame carries a fragment of an in-progress message.
type ContinuationFrame struct {
	Final   bool
	Payload []byte
}

func (f ContinuationFrame) frameOpcode() Opcode { return OpcodeContinuation }
func (f ContinuationFrame) isFinal() bool       { return f.Final }
func (f ContinuationFrame) payload() []byte     { return f.Payload }

// TextFrame starts (or, alone, completes) a text message. Compressed is only
// meaningful when this is the first frame of a new message.
type TextFrame struct {
	Final      bool
	Compressed bool
	Payload    []byte
}

func (f TextFrame) frameOpcode() Opcode { return OpcodeText }
func (f TextFrame) isFinal() bool       { return f.Final }
func (f TextFrame) payload() []byte     { return f.Payload }

// PingFrame is always final; control frames cannot be fragmented.
type PingFrame struct {
	Payload []byte
}

func (f PingFrame) frameOpcode() Opcode { return OpcodePing }
func (f PingFrame) isFinal() bool       { return true }
func (f PingFrame) payload() []byte     { return f.Payload }

// PongFrame is always final.
type PongFrame struct {
	Payload []byte
}

func (f PongFrame) frameOpcode() Opcode { return OpcodePong }
func (f PongFrame) isFinal() bool       { return true }
func (f PongFrame) payload() []byte     { return f.Payload }

// DecodeFrame reads exactly one frame from r, unmasking its payload. Frames
// from the client MUST be masked; an unmasked frame is a protocol violation.
// RSV2/RSV3 must always be clear. RSV1 (the compressed bit) is passed
// through on TextFrame for the caller (the per-session message assembler)
// to validate against negotiated capability and message-position context,
// since those are stateful and DecodeFrame is not.
func DecodeFrame(r io.Reader) (Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	final := header[0]&0x80 != 0
	rsv1 := header[0]&0x40 != 0
	rsv2 := header[0]&0x20 != 0
	rsv3 := header[0]&0x10 != 0
	if rsv2 || rsv3 {
		return nil, violation("reserved bit set")
	}
	opcode := Opcode(header[0] & 0x0F)

	masked := header[1]&0x80 != 0
	if !masked {
		return nil, violation("frame from client is not masked")
	}
	length := uint64(header[1] & 0x7F)

	isControl := opcode == OpcodePing || opcode == OpcodePong
	switch length {
	case 126:
		if isControl {
			return nil, violation("control frame with extended length")
		}
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		if isControl {
			return nil, violation("control frame with extended length")
		}
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if isControl && length > 125 {
		return nil, violation("control frame payload too large")
	}
	if length > maxFramePayload {
		return nil, violation("frame payload exceeds size cap")
	}
	if isControl && !final {
		return nil, violation("fragmented control frame")
	}
	if rsv1 && opcode != OpcodeText {
		return nil, violation("compressed bit set on non-text frame")
	}

	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
	}
	for i := range data {
		data[i] ^= mask[i%4]
	}

	switch opcode {
	case OpcodeContinuation:
		return ContinuationFrame{Final: final, Payload: data}, nil
	case OpcodeText:
		return TextFrame{Final: final, Compressed: rsv1, Payload: data}, nil
	case OpcodePing:
		return PingFrame{Payload: data}, nil
	case OpcodePong:
		return PongFrame{Payload: data}, nil
	default:
		return nil, violation("unsupported opcode")
	}
}

// EncodeFrame writes a single, never-masked frame with the given opcode,
// final bit and (for TEXT) compressed bit.
func EncodeFrame(opcode Opcode, final, compressed bool, payload []byte) []byte {
	var first byte
	if final {
		first |= 0x80
	}
	if compressed {
		first |= 0x40
	}
	first |= byte(opcode) & 0x0F

	var out []byte
	length := len(payload)
	switch {
	case length < 126:
		out = make([]byte, 2, 2+length)
		out[0] = first
		out[1] = byte(length)
	case length <= 0xFFFF:
		out = make([]byte, 4, 4+length)
		out[0] = first
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:4], uint16(length))
	default:
		out = make([]byte, 10, 10+length)
		out[0] = first
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:10], uint64(length))
	}
	return append(out, payload...)
}
