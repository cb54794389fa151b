// Package wire implements the on-the-wire encodings named in the external
// interfaces: CBOR for DHT manifest values, a fixed little-endian binary
// frame for chunk request/response, and an atomically-written metrics
// file. The CBOR codec choice is grounded on beenet's pkg/wire/frame.go,
// which wraps every libp2p message body in fxamacker/cbor/v2; the chunk
// frame's length-prefixed stream shape is grounded on the teacher's
// pkg/overlay/overlay.go WriteMessage/ReadMessage.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// EncodeManifest renders a FileManifest as the length-prefixed CBOR map the
// DHT stores under the merkle-root key.
func EncodeManifest(m coretypes.FileManifest) ([]byte, error) {
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return prefixLength(body), nil
}

// DecodeManifest parses a length-prefixed CBOR manifest value, validating
// the required keys named in the external interfaces.
func DecodeManifest(data []byte) (coretypes.FileManifest, error) {
	var m coretypes.FileManifest
	body, err := stripLength(data)
	if err != nil {
		return m, err
	}
	var keys map[string]cbor.RawMessage
	if err := cbor.Unmarshal(body, &keys); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	for _, k := range []string{"merkle_root", "file_name", "file_size", "total_chunks", "chunk_ids", "created_at"} {
		if _, ok := keys[k]; !ok {
			return m, fmt.Errorf("decode manifest: missing required key %q", k)
		}
	}
	if err := cbor.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if m.FileName == "" && m.FileSize == 0 && m.TotalChunks == 0 && len(m.ChunkIDs) == 0 {
		return m, fmt.Errorf("decode manifest: missing required fields")
	}
	if len(m.ChunkIDs) != int(m.TotalChunks) {
		return m, fmt.Errorf("decode manifest: total_chunks %d does not match %d chunk_ids", m.TotalChunks, len(m.ChunkIDs))
	}
	return m, nil
}

// EncodeProviderRecord renders a ProviderRecord as length-prefixed CBOR.
func EncodeProviderRecord(p coretypes.ProviderRecord) ([]byte, error) {
	body, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode provider record: %w", err)
	}
	return prefixLength(body), nil
}

// DecodeProviderRecord parses a length-prefixed CBOR provider record.
func DecodeProviderRecord(data []byte) (coretypes.ProviderRecord, error) {
	var p coretypes.ProviderRecord
	body, err := stripLength(data)
	if err != nil {
		return p, err
	}
	if err := cbor.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode provider record: %w", err)
	}
	return p, nil
}

func prefixLength(body []byte) []byte {
	out := make([]byte, 4+len(body))
	putU32LE(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func stripLength(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short for length prefix")
	}
	n := getU32LE(data)
	if len(data) < 4+int(n) {
		return nil, fmt.Errorf("frame length prefix %d exceeds buffer", n)
	}
	return data[4 : 4+n], nil
}
