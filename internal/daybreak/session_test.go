package daybreak

import (
	"bytes"
	"testing"
)

func TestParseSessionResponseKnownBytes(t *testing.T) {
	wire := []byte{
		0x00, 0x02,
		0xff, 0xff, 0xff, 0xff, // connect code
		0xff, 0xff, 0xff, 0xff, // encode key
		0x02,                   // crc bytes
		0x01,                   // pass 1: compression
		0x00,                   // pass 2: none
		0x00, 0x00, 0x02, 0x00, // max packet size 512
	}
	p, err := ParseSessionResponse(wire)
	if err != nil {
		t.Fatalf("ParseSessionResponse: %v", err)
	}
	if p.ConnectCode != 0xffffffff {
		t.Fatalf("connect code: got %#x", p.ConnectCode)
	}
	if p.EncodeKey != 0xffffffff {
		t.Fatalf("encode key: got %#x", p.EncodeKey)
	}
	if p.CRCBytes != 2 {
		t.Fatalf("crc bytes: got %d", p.CRCBytes)
	}
	if p.EncodePasses[0] != EncodeCompression || p.EncodePasses[1] != EncodeNone {
		t.Fatalf("passes: got %v/%v", p.EncodePasses[0], p.EncodePasses[1])
	}
	if p.MaxPacketSize != 512 {
		t.Fatalf("max packet size: got %d", p.MaxPacketSize)
	}
}

func TestSessionResponseRoundtrip(t *testing.T) {
	in := Params{
		ConnectCode:   0x12345678,
		EncodeKey:     0x9abcdef0,
		CRCBytes:      4,
		EncodePasses:  [2]EncodePass{EncodeCompression, EncodeXOR},
		MaxPacketSize: 512,
	}
	out, err := ParseSessionResponse(BuildSessionResponse(in))
	if err != nil {
		t.Fatalf("ParseSessionResponse: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", out, in)
	}
}

func TestSessionResponseRejectsBadCRCWidth(t *testing.T) {
	wire := BuildSessionResponse(Params{CRCBytes: 2, MaxPacketSize: 512})
	wire[10] = 3
	if _, err := ParseSessionResponse(wire); err == nil {
		t.Fatalf("crc width 3 accepted")
	}
}

func TestSessionRequestRoundtrip(t *testing.T) {
	wire := BuildSessionRequest(0xcafe1234, 512)
	req, err := ParseSessionRequest(wire)
	if err != nil {
		t.Fatalf("ParseSessionRequest: %v", err)
	}
	if req.ProtocolVersion != protocolVersion {
		t.Fatalf("version: got %d want %d", req.ProtocolVersion, protocolVersion)
	}
	if req.ConnectCode != 0xcafe1234 || req.MaxPacketSize != 512 {
		t.Fatalf("fields: got %+v", req)
	}
}

func TestParseSessionRequestShort(t *testing.T) {
	if _, err := ParseSessionRequest([]byte{0x00, 0x01, 0x00}); err == nil {
		t.Fatalf("short request accepted")
	}
}

func TestBuildDisconnectLayout(t *testing.T) {
	want := []byte{0x00, 0x05, 0xde, 0xad, 0xbe, 0xef}
	if got := BuildDisconnect(0xdeadbeef); !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestBuildKeepAlive(t *testing.T) {
	want := []byte{0x00, 0x06}
	if got := BuildKeepAlive(); !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}
