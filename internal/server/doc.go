// Package server owns the UDP socket and the connection table. It
// demultiplexes inbound datagrams to daybreak connections by remote endpoint,
// creates sessions on SessionRequest, answers unknown endpoints with
// OutOfSession, and drives the per-connection tick work (flush, resend,
// keepalive, stale sweep). Application messages surface through a Dispatcher
// keyed by app opcode.
package server
