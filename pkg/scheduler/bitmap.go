package scheduler

import (
	"os"
	"path/filepath"

	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

// Bitmap is the compact per-chunk completion record persisted to
// chunks_done.bits, one bit per chunk index. Grounded on the same
// write-temp-then-rename pattern pkg/chunkstore and pkg/reputation use for
// their own durable files.
type Bitmap struct {
	bits  []byte
	total int
}

// NewBitmap allocates a cleared bitmap for total chunks.
func NewBitmap(total int) *Bitmap {
	return &Bitmap{bits: make([]byte, (total+7)/8), total: total}
}

// LoadBitmap reads a previously persisted bitmap for total chunks, or
// returns a fresh cleared one if the file does not exist.
func LoadBitmap(path string, total int) (*Bitmap, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewBitmap(total), nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.KindIoError, err, "read bitmap %s", path)
	}
	want := (total + 7) / 8
	if len(data) != want {
		// a manifest changed size under an old bitmap: treat as absent
		// rather than risk misreading chunk completion state.
		return NewBitmap(total), nil
	}
	return &Bitmap{bits: data, total: total}, nil
}

// Set marks index complete. Safe to call more than once for the same
// index.
func (b *Bitmap) Set(index uint32) {
	b.bits[index/8] |= 1 << (index % 8)
}

// IsSet reports whether index is marked complete.
func (b *Bitmap) IsSet(index uint32) bool {
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// Done reports the number of chunks marked complete.
func (b *Bitmap) Done() int {
	n := 0
	for i := 0; i < b.total; i++ {
		if b.IsSet(uint32(i)) {
			n++
		}
	}
	return n
}

// Complete reports whether every chunk is marked done.
func (b *Bitmap) Complete() bool {
	return b.Done() == b.total
}

// Clear zeroes the bitmap in place, used on a restart-from-zero trigger.
func (b *Bitmap) Clear() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// Save persists the bitmap to path via write-then-fsync-then-rename, the
// same durability discipline the component design requires ("write-then-
// fsync-then-flip-bit") applied to the whole bitmap file on each update.
func (b *Bitmap) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".bits-*.tmp")
	if err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "create temp bitmap file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b.bits); err != nil {
		tmp.Close()
		return xerrors.Wrapf(xerrors.KindIoError, err, "write temp bitmap file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Wrapf(xerrors.KindIoError, err, "fsync temp bitmap file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "close temp bitmap file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "rename bitmap file")
	}
	return nil
}
