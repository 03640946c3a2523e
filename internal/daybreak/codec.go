package daybreak

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Checksum computes the session CRC: an IEEE CRC-32 that folds the 4-byte
// big-endian encode key in ahead of the payload.
func Checksum(data []byte, key uint32) uint32 {
	var kb [4]byte
	binary.BigEndian.PutUint32(kb[:], key)
	crc := crc32.Update(0, crc32.IEEETable, kb[:])
	return crc32.Update(crc, crc32.IEEETable, data)
}

// StripCRC verifies and removes the little-endian CRC trailer. width must be
// 0, 2 or 4; width 0 returns the input unchanged. The returned slice aliases
// the input.
func StripCRC(data []byte, width int, key uint32) ([]byte, error) {
	switch width {
	case 0:
		return data, nil
	case 2, 4:
	default:
		return nil, fmt.Errorf("daybreak: invalid crc width %d", width)
	}
	if len(data) < width {
		return nil, ErrCRCMismatch
	}
	body := data[:len(data)-width]
	want := Checksum(body, key)
	var got uint32
	if width == 2 {
		got = uint32(binary.LittleEndian.Uint16(data[len(body):]))
		want &= 0xffff
	} else {
		got = binary.LittleEndian.Uint32(data[len(body):])
	}
	if got != want {
		return nil, ErrCRCMismatch
	}
	return body, nil
}

// AppendCRC appends the little-endian CRC trailer for the given width.
func AppendCRC(data []byte, width int, key uint32) []byte {
	switch width {
	case 2:
		sum := uint16(Checksum(data, key))
		var tail [2]byte
		binary.LittleEndian.PutUint16(tail[:], sum)
		return append(data, tail[:]...)
	case 4:
		sum := Checksum(data, key)
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], sum)
		return append(data, tail[:]...)
	default:
		return data
	}
}

// xorDecode reverses the rolling XOR pass in place. The key chains over the
// ciphertext words, so decode must latch the word before overwriting it.
func xorDecode(buf []byte, key uint32) {
	k := key
	i := 0
	for ; i+4 <= len(buf); i += 4 {
		ct := binary.LittleEndian.Uint32(buf[i:])
		binary.LittleEndian.PutUint32(buf[i:], ct^k)
		k = ct
	}
	kc := byte(k)
	for ; i < len(buf); i++ {
		buf[i] ^= kc
	}
}

// xorEncode applies the rolling XOR pass in place; the key chains over the
// produced ciphertext words.
func xorEncode(buf []byte, key uint32) {
	k := key
	i := 0
	for ; i+4 <= len(buf); i += 4 {
		ct := binary.LittleEndian.Uint32(buf[i:]) ^ k
		binary.LittleEndian.PutUint32(buf[i:], ct)
		k = ct
	}
	kc := byte(k)
	for ; i < len(buf); i++ {
		buf[i] ^= kc
	}
}

// inflate decompresses a zlib stream, refusing to produce more than limit
// bytes. Any failure is reported as ErrDecompressionFailed; the caller treats
// it as a dropped datagram, never as connection-fatal.
func inflate(data []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: inflated beyond %d bytes", ErrDecompressionFailed, limit)
	}
	return out, nil
}

// deflate compresses data as a zlib stream at BestSpeed, the level live
// peers use on this path.
func deflate(data []byte) []byte {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		// Only reachable with an invalid level constant.
		panic(err)
	}
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}

// encodeOffset is where the marker byte (or XOR region) starts: after the
// 2-byte protocol header when the first byte is the protocol-channel marker
// 0x00, after the first byte otherwise. This offset rule is part of the wire
// format.
func encodeOffset(data []byte) int {
	if len(data) > 0 && data[0] == 0 {
		return headerSize
	}
	return 1
}

// DecodePasses reverses the active encode passes on an inbound datagram whose
// CRC has already been stripped. Compression is detected by the explicit
// marker byte rather than by replaying the pass list: 0x5a means a zlib
// stream follows, 0xa5 means marker-only, anything else leaves the datagram
// untouched (the common case for small control datagrams). The XOR pass has
// no marker and is reversed whenever the session declares it.
func DecodePasses(data []byte, params Params) ([]byte, error) {
	off := encodeOffset(data)
	// Passes are applied 0 then 1 on encode, so they unwind in reverse.
	for i := 1; i >= 0; i-- {
		switch params.EncodePasses[i] {
		case EncodeCompression:
			if len(data) <= off {
				continue
			}
			switch data[off] {
			case markerCompressed:
				inflated, err := inflate(data[off+1:], int(params.fragmentCeiling()))
				if err != nil {
					return nil, err
				}
				out := make([]byte, 0, off+len(inflated))
				out = append(out, data[:off]...)
				out = append(out, inflated...)
				data = out
			case markerUncompressed:
				out := make([]byte, 0, len(data)-1)
				out = append(out, data[:off]...)
				out = append(out, data[off+1:]...)
				data = out
			}
		case EncodeXOR:
			if len(data) > off {
				out := make([]byte, len(data))
				copy(out, data)
				xorDecode(out[off:], params.EncodeKey)
				data = out
			}
		}
	}
	return data, nil
}

// encodePasses applies the active encode passes, in declared order, to an
// outbound datagram prior to the CRC trailer. Payloads of 30 bytes or fewer
// are never worth deflating and go out behind the 0xa5 marker instead.
func encodePasses(data []byte, params Params) []byte {
	off := encodeOffset(data)
	for i := 0; i < 2; i++ {
		switch params.EncodePasses[i] {
		case EncodeCompression:
			body := data[off:]
			var enc []byte
			if len(body) > 30 {
				enc = deflate(body)
				if len(enc)+1 > len(body) {
					enc = nil
				}
			}
			var out []byte
			if enc != nil {
				out = make([]byte, 0, off+1+len(enc))
				out = append(out, data[:off]...)
				out = append(out, markerCompressed)
				out = append(out, enc...)
			} else {
				out = make([]byte, 0, off+1+len(body))
				out = append(out, data[:off]...)
				out = append(out, markerUncompressed)
				out = append(out, body...)
			}
			data = out
		case EncodeXOR:
			out := make([]byte, len(data))
			copy(out, data)
			xorEncode(out[off:], params.EncodeKey)
			data = out
		}
	}
	return data
}
