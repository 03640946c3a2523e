package daybreak

import "fmt"

// Protocol opcodes. A leading 0x00 byte marks a protocol datagram and the
// opcode follows in byte 1; any other leading byte means the datagram is an
// application payload. These values are wire-format constants shared with the
// live client and must not be renumbered.
const (
	OpPadding           byte = 0x00
	OpSessionRequest    byte = 0x01
	OpSessionResponse   byte = 0x02
	OpCombined          byte = 0x03
	OpSessionDisconnect byte = 0x05
	OpKeepAlive         byte = 0x06
	OpSessionStatReq    byte = 0x07
	OpSessionStatResp   byte = 0x08
	OpPacket            byte = 0x09
	OpPacket2           byte = 0x0a
	OpPacket3           byte = 0x0b
	OpPacket4           byte = 0x0c
	OpFragment          byte = 0x0d
	OpFragment2         byte = 0x0e
	OpFragment3         byte = 0x0f
	OpFragment4         byte = 0x10
	OpOutOfOrderAck     byte = 0x11
	OpOutOfOrderAck2    byte = 0x12
	OpOutOfOrderAck3    byte = 0x13
	OpOutOfOrderAck4    byte = 0x14
	OpAck               byte = 0x15
	OpAck2              byte = 0x16
	OpAck3              byte = 0x17
	OpAck4              byte = 0x18
	OpAppCombined       byte = 0x19
	OpOutboundPing      byte = 0x1c
	OpOutOfSession      byte = 0x1d
)

// Wire header sizes.
const (
	headerSize         = 2 // zero byte + opcode
	reliableHeaderSize = 4 // header + big-endian sequence
	fragmentHeaderSize = 8 // reliable header + big-endian total size
)

// Compression markers found immediately after the wire header.
const (
	markerCompressed   byte = 0x5a // a zlib stream follows
	markerUncompressed byte = 0xa5 // marker only, payload is raw
)

// zlibMagic is the first byte of a zlib stream; assembled fragments are only
// inflated when 0x5a is followed by it.
const zlibMagic byte = 0x78

// NumStreams is the number of independent sequencing lanes per connection.
const NumStreams = 4

// OpcodeName returns a printable name for a protocol opcode, for telemetry.
func OpcodeName(op byte) string {
	switch op {
	case OpPadding:
		return "Padding"
	case OpSessionRequest:
		return "SessionRequest"
	case OpSessionResponse:
		return "SessionResponse"
	case OpCombined:
		return "Combined"
	case OpSessionDisconnect:
		return "SessionDisconnect"
	case OpKeepAlive:
		return "KeepAlive"
	case OpSessionStatReq:
		return "SessionStatRequest"
	case OpSessionStatResp:
		return "SessionStatResponse"
	case OpPacket, OpPacket2, OpPacket3, OpPacket4:
		return fmt.Sprintf("Packet%d", op-OpPacket)
	case OpFragment, OpFragment2, OpFragment3, OpFragment4:
		return fmt.Sprintf("Fragment%d", op-OpFragment)
	case OpOutOfOrderAck, OpOutOfOrderAck2, OpOutOfOrderAck3, OpOutOfOrderAck4:
		return fmt.Sprintf("OutOfOrderAck%d", op-OpOutOfOrderAck)
	case OpAck, OpAck2, OpAck3, OpAck4:
		return fmt.Sprintf("Ack%d", op-OpAck)
	case OpAppCombined:
		return "AppCombined"
	case OpOutboundPing:
		return "OutboundPing"
	case OpOutOfSession:
		return "OutOfSession"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", op)
	}
}
