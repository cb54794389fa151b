package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/chunkstore"
	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/eventbus"
	"github.com/chiral-network/p2p-core/pkg/merkle"
	"github.com/chiral-network/p2p-core/pkg/metrics"
	"github.com/chiral-network/p2p-core/pkg/reputation"
	"github.com/chiral-network/p2p-core/pkg/source"
)

// fakeHandler is a test double for source.Handler, keyed by chunk data it
// should hand back (or a fixed error).
type fakeHandler struct {
	chunks     map[uint32][]byte
	corrupt    map[uint32]bool
	connectErr error
	connected  bool
	blockUntilCanceled bool
}

func (f *fakeHandler) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeHandler) FetchChunk(ctx context.Context, root coretypes.MerkleRoot, index uint32, offset, length uint32) ([]byte, error) {
	if f.blockUntilCanceled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	data := f.chunks[index]
	if f.corrupt[index] {
		bad := append([]byte(nil), data...)
		if len(bad) > 0 {
			bad[0] ^= 0xFF
		}
		return bad, nil
	}
	return data, nil
}

func (f *fakeHandler) Teardown() error { return nil }
func (f *fakeHandler) Priority() float64 { return 100 }

func buildManifest(t *testing.T, chunks [][]byte) coretypes.FileManifest {
	t.Helper()
	ids := make([]coretypes.ChunkID, len(chunks))
	size := int64(0)
	for i, c := range chunks {
		ids[i] = merkle.ChunkID(c)
		size += int64(len(c))
	}
	return coretypes.FileManifest{
		MerkleRoot:  merkle.Root(ids),
		FileName:    "test.bin",
		FileSize:    size,
		TotalChunks: uint32(len(chunks)),
		ChunkIDs:    ids,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	base := t.TempDir()

	store, err := chunkstore.New(filepath.Join(base, "chunks"), nil)
	require.NoError(t, err)

	repEngine, err := reputation.Open(filepath.Join(base, "reputation"))
	require.NoError(t, err)
	t.Cleanup(func() { repEngine.Close() })

	downloadsDir := filepath.Join(base, "downloads")
	cfg := DefaultConfig(downloadsDir)

	s := New(cfg, nil, store, metrics.New(), repEngine, eventbus.New(), nil, nil, nil)
	return s, downloadsDir
}

func waitForTerminal(t *testing.T, s *Scheduler, taskID string) coretypes.TaskState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, _, err := s.Status(taskID)
		require.NoError(t, err)
		if state == coretypes.TaskCompleted || state == coretypes.TaskFailed || state == coretypes.TaskCanceled {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return 0
}

func TestSchedulerDownloadsAndAssemblesFile(t *testing.T) {
	s, downloadsDir := newTestScheduler(t)

	chunkA := []byte("the first chunk of the file-----")
	chunkB := []byte("the second and final chunk------")
	manifest := buildManifest(t, [][]byte{chunkA, chunkB})

	fake := &fakeHandler{chunks: map[uint32][]byte{0: chunkA, 1: chunkB}}
	s.SetHandlerFactory(func(coretypes.DownloadSource, source.Deps) source.Handler { return fake })

	outPath := filepath.Join(downloadsDir, "out", "test.bin")
	task := coretypes.DownloadTask{
		Manifest:   manifest,
		OutputPath: outPath,
		Sources:    []coretypes.DownloadSource{{Kind: coretypes.SourceP2P, PeerID: "peer-a"}},
	}

	taskID := s.Submit(task)
	state := waitForTerminal(t, s, taskID)
	require.Equal(t, coretypes.TaskCompleted, state)
	require.True(t, fake.connected)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, chunkA...), chunkB...), got)
}

func TestSchedulerPauseResume(t *testing.T) {
	s, downloadsDir := newTestScheduler(t)

	chunk := []byte("only one chunk in this tiny file")
	manifest := buildManifest(t, [][]byte{chunk})

	fake := &fakeHandler{chunks: map[uint32][]byte{0: chunk}}
	s.SetHandlerFactory(func(coretypes.DownloadSource, source.Deps) source.Handler { return fake })

	task := coretypes.DownloadTask{
		Manifest:   manifest,
		OutputPath: filepath.Join(downloadsDir, "paused", "out.bin"),
		Sources:    []coretypes.DownloadSource{{Kind: coretypes.SourceP2P, PeerID: "peer-a"}},
	}

	taskID := s.Submit(task)
	require.NoError(t, s.Pause(taskID))
	require.NoError(t, s.Resume(taskID))

	state := waitForTerminal(t, s, taskID)
	require.Equal(t, coretypes.TaskCompleted, state)
}

func TestSchedulerCancelIsTerminal(t *testing.T) {
	s, downloadsDir := newTestScheduler(t)

	chunk := []byte("a chunk whose fetch never completes on its own")
	manifest := buildManifest(t, [][]byte{chunk})

	fake := &fakeHandler{blockUntilCanceled: true}
	s.SetHandlerFactory(func(coretypes.DownloadSource, source.Deps) source.Handler { return fake })

	task := coretypes.DownloadTask{
		Manifest:   manifest,
		OutputPath: filepath.Join(downloadsDir, "canceled", "out.bin"),
		Sources:    []coretypes.DownloadSource{{Kind: coretypes.SourceP2P, PeerID: "peer-a"}},
	}

	taskID := s.Submit(task)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(taskID, false))

	state := waitForTerminal(t, s, taskID)
	require.Equal(t, coretypes.TaskCanceled, state)
}

func TestSchedulerUnconnectableSourceFailsTask(t *testing.T) {
	s, downloadsDir := newTestScheduler(t)

	chunk := []byte("never reaches any live source")
	manifest := buildManifest(t, [][]byte{chunk})

	fake := &fakeHandler{connectErr: context.DeadlineExceeded}
	s.SetHandlerFactory(func(coretypes.DownloadSource, source.Deps) source.Handler { return fake })

	task := coretypes.DownloadTask{
		Manifest:   manifest,
		OutputPath: filepath.Join(downloadsDir, "unreachable", "out.bin"),
		Sources:    []coretypes.DownloadSource{{Kind: coretypes.SourceP2P, PeerID: "peer-a"}},
	}

	taskID := s.Submit(task)
	state := waitForTerminal(t, s, taskID)
	require.Equal(t, coretypes.TaskFailed, state)
}

func TestTaskRunnerBlacklistsSourceAfterThreeMismatches(t *testing.T) {
	s, downloadsDir := newTestScheduler(t)
	_ = downloadsDir

	task := coretypes.DownloadTask{
		Sources: []coretypes.DownloadSource{
			{Kind: coretypes.SourceP2P, PeerID: "flaky"},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTaskRunner(s, task, ctx, cancel)

	for i := 0; i < maxMismatchesBeforeBlacklist; i++ {
		require.False(t, r.blacklisted[0])
		r.onHashMismatch(0, uint32(i))
	}
	require.True(t, r.blacklisted[0])
}
