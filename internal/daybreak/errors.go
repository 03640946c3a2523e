package daybreak

import "errors"

// Engine errors. All of them are local: they abort processing of the current
// datagram (or the current sub-packet of a combined burst) and the connection
// stays alive. Only an explicit SessionDisconnect or the manager's timeout
// logic tears a connection down.
var (
	ErrCRCMismatch         = errors.New("daybreak: crc mismatch")
	ErrDecompressionFailed = errors.New("daybreak: decompression failed")
	ErrTruncatedSubpacket  = errors.New("daybreak: truncated sub-packet")
	ErrFragmentOverflow    = errors.New("daybreak: fragment exceeds declared total size")
	ErrRecursionLimit      = errors.New("daybreak: packet too deeply nested")
	ErrShortDatagram       = errors.New("daybreak: datagram too short")
	ErrPreHandshakeData    = errors.New("daybreak: non-handshake data before session established")
)
