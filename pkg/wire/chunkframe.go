package wire

import (
	"fmt"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

// Chunk request/response opcodes and status codes, bit-exact per the
// external interfaces.
const (
	OpcodeChunkRequest  byte = 0x01
	OpcodeChunkResponse byte = 0x81

	StatusOK          byte = 0
	StatusNotFound    byte = 1
	StatusRefused     byte = 2
	StatusRateLimited byte = 3
)

// ChunkRequest is the single-frame little-endian request:
// { opcode:u8=0x01, merkle_root:[32], chunk_index:u32, offset:u32, length:u32 }
type ChunkRequest struct {
	MerkleRoot coretypes.MerkleRoot
	ChunkIndex uint32
	Offset     uint32
	Length     uint32
}

// EncodeChunkRequest renders r as its fixed 45-byte wire frame.
func EncodeChunkRequest(r ChunkRequest) []byte {
	buf := make([]byte, 1+32+4+4+4)
	buf[0] = OpcodeChunkRequest
	copy(buf[1:33], r.MerkleRoot[:])
	putU32LE(buf[33:37], r.ChunkIndex)
	putU32LE(buf[37:41], r.Offset)
	putU32LE(buf[41:45], r.Length)
	return buf
}

// DecodeChunkRequest parses a fixed-size chunk request frame.
func DecodeChunkRequest(b []byte) (ChunkRequest, error) {
	var r ChunkRequest
	if len(b) != 45 {
		return r, fmt.Errorf("chunk request: expected 45 bytes, got %d", len(b))
	}
	if b[0] != OpcodeChunkRequest {
		return r, fmt.Errorf("chunk request: unexpected opcode 0x%02x", b[0])
	}
	copy(r.MerkleRoot[:], b[1:33])
	r.ChunkIndex = getU32LE(b[33:37])
	r.Offset = getU32LE(b[37:41])
	r.Length = getU32LE(b[41:45])
	return r, nil
}

// ChunkResponse is the variable-length little-endian response:
// { opcode:u8=0x81, status:u8, chunk_index:u32, len:u32, bytes:[len] }
type ChunkResponse struct {
	Status     byte
	ChunkIndex uint32
	Bytes      []byte
}

// EncodeChunkResponse renders r as its wire frame.
func EncodeChunkResponse(r ChunkResponse) []byte {
	buf := make([]byte, 1+1+4+4+len(r.Bytes))
	buf[0] = OpcodeChunkResponse
	buf[1] = r.Status
	putU32LE(buf[2:6], r.ChunkIndex)
	putU32LE(buf[6:10], uint32(len(r.Bytes)))
	copy(buf[10:], r.Bytes)
	return buf
}

// DecodeChunkResponse parses a chunk response frame's fixed header, then
// the trailing length-delimited payload.
func DecodeChunkResponse(b []byte) (ChunkResponse, error) {
	var r ChunkResponse
	if len(b) < 10 {
		return r, fmt.Errorf("chunk response: header truncated")
	}
	if b[0] != OpcodeChunkResponse {
		return r, fmt.Errorf("chunk response: unexpected opcode 0x%02x", b[0])
	}
	r.Status = b[1]
	r.ChunkIndex = getU32LE(b[2:6])
	n := getU32LE(b[6:10])
	if len(b) != 10+int(n) {
		return r, fmt.Errorf("chunk response: declared length %d does not match buffer", n)
	}
	r.Bytes = append([]byte(nil), b[10:]...)
	return r, nil
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
