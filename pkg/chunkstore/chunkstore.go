// Package chunkstore implements content-addressed local chunk storage:
// splitting files into fixed-size chunks, computing per-chunk hashes and a
// Merkle root, persisting/retrieving chunks by hash, and reassembling a
// file from its manifest. Grounded on the teacher's ChunkStore
// (Network Core/pkg/network/chunk.go), generalized from an in-memory
// map[string][]byte to the on-disk, sharded layout named in the external
// interfaces (chunks/<hex(id[0:2])>/<hex(id)>).
package chunkstore

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/merkle"
	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

const lockStripes = 64

// Store is the local on-disk chunk store. It exclusively owns on-disk
// chunk bytes, per the data model's ownership rules.
type Store struct {
	root   string
	log    *zap.Logger
	stripes [lockStripes]sync.Mutex
}

// New opens (creating if absent) a Store rooted at dir. dir is expected to
// be the "chunks" directory named in the persistent state layout.
func New(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrapf(xerrors.KindIoError, err, "create chunk store dir %s", dir)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: dir, log: log.With(zap.String("component", "chunkstore"))}, nil
}

func (s *Store) lockFor(id coretypes.ChunkID) *sync.Mutex {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return &s.stripes[h%lockStripes]
}

func (s *Store) pathFor(id coretypes.ChunkID) string {
	hexID := hex.EncodeToString(id[:])
	return filepath.Join(s.root, hexID[:2], hexID)
}

// PutChunk verifies bytes fit within ChunkMax, writes them under their
// content-addressed path (fsync on final write), and returns the id. It is
// idempotent: writing the same bytes twice leaves one copy on disk.
func (s *Store) PutChunk(bytes []byte) (coretypes.ChunkID, error) {
	if len(bytes) > coretypes.ChunkMax {
		return coretypes.ChunkID{}, xerrors.New(xerrors.KindIoError, fmt.Sprintf("chunk size %d exceeds max %d", len(bytes), coretypes.ChunkMax), nil)
	}
	id := merkle.ChunkID(bytes)

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil // idempotent: already on disk
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "mkdir for chunk %x", id)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "create temp chunk file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "write chunk %x", id)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "fsync chunk %x", id)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "close chunk %x", id)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return coretypes.ChunkID{}, xerrors.Wrapf(xerrors.KindIoError, err, "rename chunk %x", id)
	}
	return id, nil
}

// GetChunk returns the chunk's bytes, verifying sha256 on read. On a hash
// mismatch the corrupt file is deleted, the call returns (nil, false), and
// the corruption is logged, per the failure semantics.
func (s *Store) GetChunk(id coretypes.ChunkID) ([]byte, bool) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if merkle.ChunkID(data) != id {
		s.log.Warn("chunk corrupted on read, evicting", zap.String("chunk_id", hex.EncodeToString(id[:])))
		os.Remove(path)
		return nil, false
	}
	return data, true
}

// Has reports whether a chunk is present without reading its bytes.
func (s *Store) Has(id coretypes.ChunkID) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// IngestFile streams path, splitting it into ChunkMax-sized chunks (the
// final chunk may be shorter), writes each to the store, and returns the
// manifest describing it.
func (s *Store) IngestFile(path string) (coretypes.FileManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return coretypes.FileManifest{}, xerrors.Wrapf(xerrors.KindIoError, err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return coretypes.FileManifest{}, xerrors.Wrapf(xerrors.KindIoError, err, "stat %s", path)
	}

	var ids []coretypes.ChunkID
	buf := make([]byte, coretypes.ChunkMax)
	reader := bufio.NewReaderSize(f, coretypes.ChunkMax)

	for {
		n, readErr := io.ReadFull(reader, buf)
		if n > 0 {
			id, putErr := s.PutChunk(buf[:n])
			if putErr != nil {
				return coretypes.FileManifest{}, putErr
			}
			ids = append(ids, id)
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return coretypes.FileManifest{}, xerrors.Wrapf(xerrors.KindIoError, readErr, "read %s", path)
		}
	}

	root := merkle.Root(ids)
	return coretypes.FileManifest{
		MerkleRoot:  root,
		FileName:    filepath.Base(path),
		FileSize:    info.Size(),
		TotalChunks: uint32(len(ids)),
		ChunkIDs:    ids,
	}, nil
}

// Assemble sequentially appends m's chunks, in order, to outputPath,
// failing if any chunk is missing. It then recomputes the Merkle root from
// the freshly-read disk chunks and requires it to match m.MerkleRoot
// before the temp file is renamed into place.
func (s *Store) Assemble(m coretypes.FileManifest, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".assemble-*.tmp")
	if err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "create temp output")
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmpName)
		}
	}()

	var readIDs []coretypes.ChunkID
	for _, id := range m.ChunkIDs {
		data, ok := s.GetChunk(id)
		if !ok {
			return xerrors.New(xerrors.KindChunkCorrupted, fmt.Sprintf("chunk %x missing during assemble", id), nil)
		}
		if _, err := tmp.Write(data); err != nil {
			return xerrors.Wrapf(xerrors.KindIoError, err, "write assembled output")
		}
		readIDs = append(readIDs, merkle.ChunkID(data))
	}

	if merkle.Root(readIDs) != m.MerkleRoot {
		return xerrors.New(xerrors.KindMerkleMismatch, "reassembled merkle root does not match manifest", nil)
	}

	if err := tmp.Sync(); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "fsync assembled output")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "close assembled output")
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "rename assembled output")
	}
	if dirf, err := os.Open(dir); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	success = true
	return nil
}
