// Package daybreak implements the Daybreak reliable UDP transport protocol:
// CRC-trailed, optionally compressed or XOR-encoded datagrams carrying four
// independent reliable streams with fragment reassembly and packet combining.
//
// A Connection turns raw inbound datagrams into ordered application messages
// delivered to a Sink, and turns queued application payloads into encoded
// outbound datagrams handed to a SenderFunc. The engine itself owns no socket
// and never blocks; the server loop in internal/server drives it.
package daybreak
