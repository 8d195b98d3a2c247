// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
//  1. Redistributions of source code must retain the above copyright
//     notice, this list of conditions and the following disclaimer
//     in this position and unchanged.
//  2. Redistributions in binary form must reproduce the above copyright
//     notice, this list of conditions and the following disclaimer in the
//     documentation and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE AUTHOR(S) ``AS IS'' AND ANY EXPRESS OR
// IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES
// OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED.
// IN NO EVENT SHALL THE AUTHOR(S) BE LIABLE FOR ANY DIRECT, INDIRECT,
// INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT
// NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF
// THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package codec builds and parses the ICMPv4 Echo Request/Reply and
// error packets (RFC 792) the probe engine sends and receives, on top
// of golang.org/x/net/icmp and golang.org/x/net/ipv4.
package codec

import (
	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Payload is the fixed filler carried by every outgoing Echo Request.
var Payload = []byte("mtr-engine")

// Kind enumerates the three ICMP message shapes the engine acts on;
// anything else decodes to KindUnknown and is discarded.
type Kind int

const (
	KindUnknown Kind = iota
	KindEchoReply
	KindTimeExceeded
	KindUnreachable
)

// Decoded is the outcome of parsing one inbound datagram: the probe
// identifier it carries, if recoverable, and which of the three
// recognized ICMP shapes it was.
type Decoded struct {
	Kind     Kind
	PacketID int
	Sequence int
}

// ErrMalformed covers any decode failure: truncated packet, unknown
// ICMP type, or an identifier pair that cannot be recovered. The probe
// engine's demultiplexer treats it as a silent drop rather than a
// fatal error.
var ErrMalformed = errors.New("codec: malformed or unrecognized ICMP packet")

// BuildEchoRequest encodes an ICMPv4 Echo Request carrying the given
// (packetID, sequence) pair and the fixed payload. The checksum is
// computed during Marshal; VerifyChecksum can confirm it recomputes
// to zero.
func BuildEchoRequest(packetID, sequence int) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   packetID,
			Seq:  sequence,
			Data: Payload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal echo request")
	}
	return b, nil
}

// BuildEchoReply encodes an ICMPv4 Echo Reply carrying the given
// (packetID, sequence) pair, used by the Sim transport to synthesize
// a terminal-hop response without a real kernel round-trip.
func BuildEchoReply(packetID, sequence int) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   packetID,
			Seq:  sequence,
			Data: Payload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal echo reply")
	}
	return b, nil
}

// Checksum computes the RFC 792 16-bit one's-complement checksum over
// b. It is exposed independently of Marshal so it can be exercised and
// verified on its own, not just as a side effect of encoding.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// VerifyChecksum reports whether b, including its own checksum field,
// sums to zero under the one's-complement algorithm — the round-trip
// property an Echo Request must satisfy after encoding.
func VerifyChecksum(b []byte) bool {
	return Checksum(b) == 0
}

// Decode parses an inbound ICMPv4 datagram and, for the three
// recognized shapes, recovers the (packetID, sequence) of the probe
// that produced it. EchoReply matches directly; TimeExceeded and
// DestinationUnreachable require descending into the embedded IPv4
// header and first 8 bytes of the original ICMP message.
func Decode(buf []byte) (Decoded, error) {
	msg, err := icmp.ParseMessage(1, buf) // protocol 1 = ICMPv4
	if err != nil {
		return Decoded{}, ErrMalformed
	}

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return Decoded{}, ErrMalformed
		}
		return Decoded{Kind: KindEchoReply, PacketID: echo.ID, Sequence: echo.Seq}, nil

	case ipv4.ICMPTypeTimeExceeded:
		id, seq, ok := recoverFromEmbedded(bodyData(msg.Body))
		if !ok {
			return Decoded{}, ErrMalformed
		}
		return Decoded{Kind: KindTimeExceeded, PacketID: id, Sequence: seq}, nil

	case ipv4.ICMPTypeDestinationUnreachable:
		id, seq, ok := recoverFromEmbedded(bodyData(msg.Body))
		if !ok {
			return Decoded{}, ErrMalformed
		}
		return Decoded{Kind: KindUnreachable, PacketID: id, Sequence: seq}, nil

	default:
		return Decoded{}, ErrMalformed
	}
}

// bodyData extracts the raw payload carried by TimeExceeded/
// DestinationUnreachable bodies, which golang.org/x/net/icmp exposes
// as distinct (but structurally identical) types.
func bodyData(body icmp.MessageBody) []byte {
	switch b := body.(type) {
	case *icmp.TimeExceeded:
		return b.Data
	case *icmp.DstUnreach:
		return b.Data
	default:
		return nil
	}
}

// recoverFromEmbedded descends into the embedded IPv4 header plus the
// first 8 bytes of the original ICMP message (as carried in a
// TimeExceeded or DestinationUnreachable payload) and recovers the
// originating probe's (packetID, sequence) from the ICMP
// identifier/sequence fields at offsets 4 and 6 of that inner header.
func recoverFromEmbedded(data []byte) (id, seq int, ok bool) {
	if len(data) < 20 {
		return 0, 0, false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return 0, 0, false
	}
	inner := data[ihl:]
	// inner[0] = type, inner[1] = code, inner[2:4] = checksum,
	// inner[4:6] = identifier, inner[6:8] = sequence (RFC 792 Echo).
	if inner[0] != 8 || inner[1] != 0 {
		return 0, 0, false
	}
	id = int(inner[4])<<8 | int(inner[5])
	seq = int(inner[6])<<8 | int(inner[7])
	return id, seq, true
}

// BuildTimeExceededMessage is a test/sim helper: it wraps an original
// Echo Request (as produced by BuildEchoRequest) in a minimal IPv4
// header and encodes a full TimeExceeded ICMP message, the way a
// router's expired-TTL reply carries it, so Decode can recover the
// original (packetID, sequence) the same way it would from the wire.
func BuildTimeExceededMessage(originalEchoRequest []byte) ([]byte, error) {
	header := make([]byte, 20)
	header[0] = 0x45 // version 4, IHL 5 (20 bytes)

	payload := make([]byte, 0, len(header)+8)
	payload = append(payload, header...)
	if len(originalEchoRequest) >= 8 {
		payload = append(payload, originalEchoRequest[:8]...)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeTimeExceeded,
		Code: 0,
		Body: &icmp.TimeExceeded{Data: payload},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal time exceeded")
	}
	return b, nil
}
