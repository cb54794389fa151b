package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RelayMetrics is the JSON shape persisted to metrics.json by the relay
// daemon, written atomically (temp file + rename) per the external
// interfaces.
type RelayMetrics struct {
	PeerID            string   `json:"peer_id"`
	ListenAddresses   []string `json:"listen_addresses"`
	ConnectedPeers    uint32   `json:"connected_peers"`
	UptimeSeconds     uint64   `json:"uptime_seconds"`
	RelayReservations uint32   `json:"relay_reservations"`
	RelayCircuits     uint32   `json:"relay_circuits"`
}

// WriteAtomic serializes m as JSON to path by writing to a sibling temp
// file and renaming over the destination, so readers never observe a
// partially-written file.
func WriteAtomic(path string, m RelayMetrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metrics file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metrics file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename metrics file: %w", err)
	}
	return nil
}
