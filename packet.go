package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Header identifies the kind of a Packet. The wallet link and miner sessions
// share one wire format (header byte + big-endian uint32 length + payload)
// but use disjoint subsets of the header space.
type Header byte

const (
	HeaderPing Header = iota + 1
	HeaderSetChannel
	HeaderGetHeight
	HeaderBlockHeight
	HeaderGetBlock
	HeaderBlockData
	HeaderSubmitBlock
	HeaderAccept
	HeaderReject
	HeaderLogin
	HeaderLoginSuccess
	HeaderLoginFail
	HeaderSubscribe
	HeaderSubmitShare
	HeaderBlock
)

var headerNames = map[Header]string{
	HeaderPing:         "PING",
	HeaderSetChannel:   "SET_CHANNEL",
	HeaderGetHeight:    "GET_HEIGHT",
	HeaderBlockHeight:  "BLOCK_HEIGHT",
	HeaderGetBlock:     "GET_BLOCK",
	HeaderBlockData:    "BLOCK_DATA",
	HeaderSubmitBlock:  "SUBMIT_BLOCK",
	HeaderAccept:       "ACCEPT",
	HeaderReject:       "REJECT",
	HeaderLogin:        "LOGIN",
	HeaderLoginSuccess: "LOGIN_SUCCESS",
	HeaderLoginFail:    "LOGIN_FAIL",
	HeaderSubscribe:    "SUBSCRIBE",
	HeaderSubmitShare:  "SUBMIT_SHARE",
	HeaderBlock:        "BLOCK",
}

func (h Header) String() string {
	if name, ok := headerNames[h]; ok {
		return name
	}
	return fmt.Sprintf("Header(%d)", byte(h))
}

func (h Header) valid() bool {
	_, ok := headerNames[h]
	return ok
}

// maxPayloadBytes bounds a single packet's payload per spec §3: "payload
// size <= 2 MiB". This keeps a misbehaving or malicious peer from forcing an
// unbounded allocation on the reactor.
const maxPayloadBytes = 2 << 20

// submitBlockPayloadLen is the exact size of a SUBMIT_BLOCK/SUBMIT_SHARE
// payload: 64-byte block bytes followed by an 8-byte nonce (spec §6).
const submitBlockPayloadLen = 72

// headerLen is the fixed framing prefix: 1 header byte + 4 big-endian length
// bytes, before any payload.
const headerLen = 1 + 4

// FramingError is fatal to the connection it occurred on, never to the
// process. It is returned for an unrecognised header, a length that exceeds
// maxPayloadBytes, or a SUBMIT_BLOCK/SUBMIT_SHARE payload of the wrong size.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// Packet is a single framed message in either direction of either link.
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode serialises the packet as header + 4-byte big-endian length +
// payload into one contiguous buffer, ready for a single Write.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = byte(p.Header)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(p.Payload)))
	copy(buf[5:], p.Payload)
	return buf
}

// PacketReader decodes a lazy sequence of validated Packets off a buffered
// byte stream. It never discards bytes except when it returns a
// *FramingError, at which point the connection is no longer trustworthy and
// must be closed by the caller.
type PacketReader struct {
	r *bufio.Reader
}

func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReaderSize(r, 8192)}
}

// ReadPacket blocks until a full packet has been read, or returns an error.
// A *FramingError means the stream is corrupt; any other error is a
// transport-level read failure (surfaced by callers as TransportError).
func (pr *PacketReader) ReadPacket() (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(pr.r, hdr[:]); err != nil {
		return Packet{}, err
	}

	h := Header(hdr[0])
	if !h.valid() {
		return Packet{}, &FramingError{Reason: fmt.Sprintf("unknown header %d", hdr[0])}
	}

	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > maxPayloadBytes {
		return Packet{}, &FramingError{Reason: fmt.Sprintf("payload length %d exceeds max %d", length, maxPayloadBytes)}
	}
	if needsFixedSubmitLength(h) && length != submitBlockPayloadLen {
		return Packet{}, &FramingError{Reason: fmt.Sprintf("%s payload must be %d bytes, got %d", h, submitBlockPayloadLen, length)}
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(pr.r, payload); err != nil {
			return Packet{}, err
		}
	}
	return Packet{Header: h, Payload: payload}, nil
}

func needsFixedSubmitLength(h Header) bool {
	return h == HeaderSubmitBlock || h == HeaderSubmitShare
}

// encodeUint32 and decodeUint32 cover the SET_CHANNEL / BLOCK_HEIGHT
// payload shape: a single big-endian uint32.
func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeUint32(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, &FramingError{Reason: fmt.Sprintf("expected 4-byte uint32 payload, got %d bytes", len(payload))}
	}
	return binary.BigEndian.Uint32(payload), nil
}

// splitSubmitPayload splits a validated 72-byte SUBMIT_BLOCK/SUBMIT_SHARE
// payload into its 64-byte block portion and 8-byte nonce.
func splitSubmitPayload(payload []byte) (block, nonce []byte, err error) {
	if len(payload) != submitBlockPayloadLen {
		return nil, nil, &FramingError{Reason: fmt.Sprintf("submit payload must be %d bytes, got %d", submitBlockPayloadLen, len(payload))}
	}
	return payload[:64], payload[64:], nil
}

func joinSubmitPayload(block, nonce []byte) []byte {
	buf := make([]byte, 0, submitBlockPayloadLen)
	buf = append(buf, block...)
	buf = append(buf, nonce...)
	return buf
}
