package daybreak

import (
	"encoding/binary"
	"fmt"
)

// EncodePass identifies one outbound transform slot. The values are wire
// constants carried in the session response.
type EncodePass byte

const (
	EncodeNone        EncodePass = 0
	EncodeCompression EncodePass = 1
	EncodeXOR         EncodePass = 4
)

func (e EncodePass) String() string {
	switch e {
	case EncodeNone:
		return "none"
	case EncodeCompression:
		return "compression"
	case EncodeXOR:
		return "xor"
	default:
		return fmt.Sprintf("EncodePass(%d)", byte(e))
	}
}

// protocolVersion is the handshake version live clients speak.
const protocolVersion = 3

// DefaultFragmentCeiling bounds fragment reassembly buffers when the config
// does not say otherwise. The declared total size is peer-controlled and must
// never be trusted as an allocation size on its own.
const DefaultFragmentCeiling = 8 << 20

// Params holds the per-connection protocol parameters established by the
// handshake. They are immutable once the connection is established.
type Params struct {
	ConnectCode   uint32
	EncodeKey     uint32
	CRCBytes      uint8 // 0, 2 or 4
	EncodePasses  [2]EncodePass
	MaxPacketSize uint32

	// FragmentCeiling caps reassembly allocations; it is local policy, not a
	// wire field. Zero means DefaultFragmentCeiling.
	FragmentCeiling uint32
}

func (p Params) fragmentCeiling() uint32 {
	if p.FragmentCeiling == 0 {
		return DefaultFragmentCeiling
	}
	return p.FragmentCeiling
}

// SessionRequest is the parsed handshake request (opcode 0x01).
type SessionRequest struct {
	ProtocolVersion uint32
	ConnectCode     uint32
	MaxPacketSize   uint32
}

// sessionRequestSize is header(2) + version(4) + connect_code(4) + max_packet_size(4).
const sessionRequestSize = headerSize + 12

// ParseSessionRequest decodes a SessionRequest datagram. All fields are
// big-endian.
func ParseSessionRequest(data []byte) (SessionRequest, error) {
	if len(data) < sessionRequestSize || data[0] != 0 || data[1] != OpSessionRequest {
		return SessionRequest{}, ErrShortDatagram
	}
	return SessionRequest{
		ProtocolVersion: binary.BigEndian.Uint32(data[2:6]),
		ConnectCode:     binary.BigEndian.Uint32(data[6:10]),
		MaxPacketSize:   binary.BigEndian.Uint32(data[10:14]),
	}, nil
}

// BuildSessionRequest encodes the client hello.
func BuildSessionRequest(connectCode, maxPacketSize uint32) []byte {
	out := make([]byte, sessionRequestSize)
	out[1] = OpSessionRequest
	binary.BigEndian.PutUint32(out[2:6], protocolVersion)
	binary.BigEndian.PutUint32(out[6:10], connectCode)
	binary.BigEndian.PutUint32(out[10:14], maxPacketSize)
	return out
}

// sessionResponseSize is header(2) + connect_code(4) + encode_key(4) +
// crc_bytes(1) + encode_pass1(1) + encode_pass2(1) + max_packet_size(4).
const sessionResponseSize = headerSize + 15

// ParseSessionResponse decodes the handshake reply (opcode 0x02) into the
// connection parameters it establishes. Multi-byte fields are big-endian.
func ParseSessionResponse(data []byte) (Params, error) {
	if len(data) < sessionResponseSize || data[0] != 0 || data[1] != OpSessionResponse {
		return Params{}, ErrShortDatagram
	}
	p := Params{
		ConnectCode:   binary.BigEndian.Uint32(data[2:6]),
		EncodeKey:     binary.BigEndian.Uint32(data[6:10]),
		CRCBytes:      data[10],
		MaxPacketSize: binary.BigEndian.Uint32(data[13:17]),
	}
	p.EncodePasses[0] = EncodePass(data[11])
	p.EncodePasses[1] = EncodePass(data[12])
	switch p.CRCBytes {
	case 0, 2, 4:
	default:
		return Params{}, fmt.Errorf("daybreak: session response with invalid crc width %d", p.CRCBytes)
	}
	return p, nil
}

// BuildSessionResponse encodes the handshake reply for a server connection.
func BuildSessionResponse(p Params) []byte {
	out := make([]byte, sessionResponseSize)
	out[1] = OpSessionResponse
	binary.BigEndian.PutUint32(out[2:6], p.ConnectCode)
	binary.BigEndian.PutUint32(out[6:10], p.EncodeKey)
	out[10] = p.CRCBytes
	out[11] = byte(p.EncodePasses[0])
	out[12] = byte(p.EncodePasses[1])
	binary.BigEndian.PutUint32(out[13:17], p.MaxPacketSize)
	return out
}

// BuildDisconnect encodes a SessionDisconnect carrying the connect code.
func BuildDisconnect(connectCode uint32) []byte {
	out := make([]byte, headerSize+4)
	out[1] = OpSessionDisconnect
	binary.BigEndian.PutUint32(out[2:6], connectCode)
	return out
}

// BuildOutOfSession encodes the reply sent to an endpoint with no session.
func BuildOutOfSession() []byte {
	out := make([]byte, headerSize+4)
	out[1] = OpOutOfSession
	return out
}

// BuildKeepAlive encodes a bare keepalive datagram.
func BuildKeepAlive() []byte {
	return []byte{0, OpKeepAlive}
}
