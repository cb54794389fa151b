package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/eventbus"
	"github.com/chiral-network/p2p-core/pkg/merkle"
	"github.com/chiral-network/p2p-core/pkg/metrics"
	"github.com/chiral-network/p2p-core/pkg/reputation"
	"github.com/chiral-network/p2p-core/pkg/source"
	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

// maxMismatchesBeforeBlacklist is the component design's
// "After 3 hash mismatches from one peer within a task, blacklist that
// peer for the task".
const maxMismatchesBeforeBlacklist = 3

// progressInterval caps Progress/SpeedUpdate emission at <=1Hz, per the
// ordering guarantees.
const progressInterval = time.Second

// taskRunner drives one DownloadTask through DownloadFsmState.
type taskRunner struct {
	sched *Scheduler
	log   *zap.Logger

	mu         sync.Mutex
	task       coretypes.DownloadTask
	fsmState   FsmState
	taskState  coretypes.TaskState
	paused     bool
	resumeCh   chan struct{}
	keepPartial bool

	ctx    context.Context
	cancel context.CancelFunc

	bitmap      *Bitmap
	handlers    map[int]source.Handler
	mismatches  map[int]int
	blacklisted map[int]bool

	downloaded       int64
	lastProgressEmit time.Time
}

func newTaskRunner(s *Scheduler, task coretypes.DownloadTask, ctx context.Context, cancel context.CancelFunc) *taskRunner {
	return &taskRunner{
		sched:       s,
		log:         s.log.With(zap.String("task_id", task.TaskID)),
		task:        task,
		fsmState:    FsmIdle,
		taskState:   coretypes.TaskQueued,
		resumeCh:    make(chan struct{}),
		keepPartial: task.KeepPartial,
		ctx:         ctx,
		cancel:      cancel,
		handlers:    make(map[int]source.Handler),
		mismatches:  make(map[int]int),
		blacklisted: make(map[int]bool),
	}
}

func (r *taskRunner) setState(fsm FsmState) {
	r.mu.Lock()
	r.fsmState = fsm
	r.mu.Unlock()
}

func (r *taskRunner) setTaskState(ts coretypes.TaskState) {
	r.mu.Lock()
	r.taskState = ts
	r.mu.Unlock()
}

func (r *taskRunner) requestPause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	r.taskState = coretypes.TaskPaused
	r.fsmState = FsmPaused
	r.sched.publish(eventbus.Paused{TaskID: r.task.TaskID})
}

func (r *taskRunner) requestResume(s *Scheduler) {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = false
	r.fsmState = FsmAwaitingResume
	ch := r.resumeCh
	r.resumeCh = make(chan struct{})
	r.mu.Unlock()
	close(ch)
	s.publish(eventbus.Resumed{TaskID: r.task.TaskID})
}

func (r *taskRunner) requestCancel(keepPartial bool) {
	r.mu.Lock()
	if r.taskState == coretypes.TaskCanceled {
		r.mu.Unlock()
		return
	}
	r.keepPartial = keepPartial
	r.taskState = coretypes.TaskCanceled
	r.mu.Unlock()
	r.cancel()
}

// checkSuspension blocks while the task is paused and returns an error if
// it has been canceled, implemented as a single suspension-point check the
// FSM calls between documented transitions, never mid-chunk-verification.
func (r *taskRunner) checkSuspension() error {
	r.mu.Lock()
	paused := r.paused
	ch := r.resumeCh
	r.mu.Unlock()
	if paused {
		select {
		case <-ch:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
		return nil
	}
}

func (r *taskRunner) fail(category xerrors.Kind, retryPossible bool, err error) {
	r.setState(FsmFailed)
	r.setTaskState(coretypes.TaskFailed)
	r.log.Warn("task failed", zap.String("category", string(category)), zap.Error(err))
	r.sched.publish(eventbus.Failed{TaskID: r.task.TaskID, Category: string(category), RetryPossible: retryPossible})
}

// run drives the task end to end: resolve, preflight, validate, allocate,
// download, verify, finalize. It is the DownloadRestartFsm's top-level
// loop.
func (r *taskRunner) run() {
	r.setTaskState(coretypes.TaskStarting)
	r.sched.publish(eventbus.Started{TaskID: r.task.TaskID})

	dir := r.sched.taskDir(r.task.TaskID)
	if err := ensureDir(dir); err != nil {
		r.fail(xerrors.KindIoError, false, err)
		return
	}

	r.setState(FsmPreparingHead)
	if err := r.resolveManifest(); err != nil {
		r.fail(xerrors.KindLookupTimeout, true, err)
		return
	}

	r.setState(FsmPreflightStorage)
	if err := checkDiskSpace(dir, r.task.Manifest.FileSize); err != nil {
		r.setTaskState(coretypes.TaskPaused)
		r.sched.publish(eventbus.Failed{TaskID: r.task.TaskID, Category: string(xerrors.KindStorageExhausted), RetryPossible: true})
		return
	}

	r.setState(FsmValidatingMetadata)
	bitmapPath := filepath.Join(dir, "chunks_done.bits")
	bitmap, err := LoadBitmap(bitmapPath, int(r.task.Manifest.TotalChunks))
	if err != nil {
		r.fail(xerrors.KindIoError, false, err)
		return
	}
	r.bitmap = bitmap
	if err := r.validatePartial(dir); err != nil {
		r.fail(xerrors.KindIoError, false, err)
		return
	}

	if err := r.connectSources(); err != nil {
		r.fail(xerrors.KindUnreachable, true, err)
		return
	}
	defer r.teardownSources()

	r.setState(FsmDownloading)
	r.setTaskState(coretypes.TaskDownloading)
	if err := r.downloadLoop(dir, bitmapPath); err != nil {
		if r.ctx.Err() != nil {
			r.sched.publish(eventbus.Canceled{TaskID: r.task.TaskID})
			r.setState(FsmIdle)
			return
		}
		r.fail(xerrors.KindChunkHashMismatch, true, err)
		return
	}

	r.setState(FsmVerifyingSha)
	r.setState(FsmFinalizingIo)
	if err := r.sched.store.Assemble(r.task.Manifest, r.task.OutputPath); err != nil {
		r.fail(xerrors.KindMerkleMismatch, false, err)
		return
	}

	if err := r.sched.payment.OnFinalized(r.task.TaskID, r.task.Manifest); err != nil {
		r.log.Warn("payment hook failed after successful finalize", zap.Error(err))
	}

	r.setState(FsmCompleted)
	r.setTaskState(coretypes.TaskCompleted)
	r.sched.publish(eventbus.Completed{TaskID: r.task.TaskID})
}

func (r *taskRunner) resolveManifest() error {
	if !r.task.Manifest.MerkleRoot.IsZero() {
		return nil
	}
	if r.sched.resolver == nil {
		return xerrors.New(xerrors.KindNoProviders, "no manifest resolver configured and task carries none", nil)
	}
	m, err := r.sched.resolver.ResolveManifest(r.ctx, r.task.Manifest.MerkleRoot, 40*time.Second)
	if err != nil {
		return err
	}
	r.task.Manifest = m
	return nil
}

// validatePartial re-hashes every chunk the bitmap claims is already
// complete; a read failure (pkg/chunkstore evicts corrupt files itself)
// clears that bit so the chunk is re-fetched.
func (r *taskRunner) validatePartial(dir string) error {
	for i := 0; i < len(r.task.Manifest.ChunkIDs); i++ {
		idx := uint32(i)
		if !r.bitmap.IsSet(idx) {
			continue
		}
		if _, ok := r.sched.store.GetChunk(r.task.Manifest.ChunkIDs[i]); !ok {
			r.bitmap.bits[idx/8] &^= 1 << (idx % 8)
		}
	}
	return r.bitmap.Save(filepath.Join(dir, "chunks_done.bits"))
}

func (r *taskRunner) connectSources() error {
	for i, src := range r.task.Sources {
		h := r.sched.newHandler(src, source.Deps{Host: r.sched.host, Manifest: r.task.Manifest})
		if err := h.Connect(r.ctx); err != nil {
			r.log.Debug("source connect failed", zap.Int("source_index", i), zap.Error(err))
			r.sched.publish(eventbus.SourceDisconnected{TaskID: r.task.TaskID, PeerID: src.PeerID})
			continue
		}
		r.handlers[i] = h
		r.sched.publish(eventbus.SourceConnected{TaskID: r.task.TaskID, PeerID: src.PeerID})
	}
	if len(r.handlers) == 0 {
		return xerrors.New(xerrors.KindUnreachable, "no source could be connected", nil)
	}
	return nil
}

func (r *taskRunner) teardownSources() {
	for _, h := range r.handlers {
		h.Teardown()
	}
}

func (r *taskRunner) chunkLength(index uint32) uint32 {
	remaining := r.task.Manifest.FileSize - int64(index)*coretypes.ChunkMax
	if remaining > coretypes.ChunkMax {
		return coretypes.ChunkMax
	}
	if remaining < 0 {
		return 0
	}
	return uint32(remaining)
}

func (r *taskRunner) scoresForSources() []float64 {
	out := make([]float64, len(r.task.Sources))
	for i, src := range r.task.Sources {
		rec := r.sched.metricsStore.Get(src.PeerID)
		if rec.Attempts == 0 {
			out[i] = src.PriorityScore()
			continue
		}
		out[i] = metrics.CompositeScore(rec, 1, 1) * 100
	}
	return out
}

// restartTriggerKind maps a chunk-fetch failure to the restart-from-zero
// trigger it represents, or ("", false) if it is an ordinary retryable
// failure.
func restartTriggerKind(err error) (RestartTrigger, bool) {
	switch {
	case xerrors.Is(err, xerrors.KindWeakEtag):
		return TriggerWeakEtag, true
	case xerrors.Is(err, xerrors.KindEtagChanged):
		return TriggerEtagChanged, true
	case xerrors.Is(err, xerrors.KindRangeUnsupported):
		return TriggerRangeUnsupported, true
	case xerrors.Is(err, xerrors.KindHttp416):
		return TriggerHttp416, true
	default:
		return "", false
	}
}

// maxRestarts bounds how many times one task will restart from zero
// before giving up, guarding against a source that flips ETag on every
// request.
const maxRestarts = 3

// downloadLoop assigns every not-yet-done chunk to a candidate source,
// fetches and verifies it, persists it, and retries via the backup
// candidate on a hash mismatch, blacklisting a source after three
// mismatches within this task. A restart-trigger failure (weak/changed
// ETag, range unsupported, 416) clears all progress and starts over.
func (r *taskRunner) downloadLoop(dir, bitmapPath string) error {
	for restarts := 0; ; restarts++ {
		plan := PlanChunks(r.task.Manifest.TotalChunks, r.scoresForSources(), r.sched.cfg.TopK)
		r.task.Allocation = plan.Allocation

		restarted := false
		for idx := uint32(0); idx < r.task.Manifest.TotalChunks; idx++ {
			if r.bitmap.IsSet(idx) {
				continue
			}
			if err := r.checkSuspension(); err != nil {
				return err
			}
			err := r.fetchAndStoreChunk(idx, plan.Candidates[idx])
			if err != nil {
				if trigger, ok := restartTriggerKind(err); ok {
					if restarts >= maxRestarts {
						return err
					}
					if rerr := r.restartFromZero(dir, trigger); rerr != nil {
						return rerr
					}
					restarted = true
					break
				}
				return err
			}
			r.bitmap.Set(idx)
			if err := r.bitmap.Save(bitmapPath); err != nil {
				return err
			}
			r.emitProgress()
		}
		if !restarted {
			return nil
		}
	}
}

func (r *taskRunner) fetchAndStoreChunk(index uint32, candidates []int) error {
	length := r.chunkLength(index)
	var lastErr error

	attempts := append([]int(nil), candidates...)
	for attemptsLeft := 3; attemptsLeft > 0 && len(attempts) > 0; attemptsLeft-- {
		srcIdx := attempts[0]
		attempts = attempts[1:]
		if r.blacklisted[srcIdx] {
			continue
		}
		h, ok := r.handlers[srcIdx]
		if !ok {
			continue
		}

		data, err := h.FetchChunk(r.ctx, r.task.Manifest.MerkleRoot, index, 0, length)
		if err != nil {
			r.sched.metricsStore.RecordFailure(r.task.Sources[srcIdx].PeerID)
			r.sched.publish(eventbus.ChunkFailed{TaskID: r.task.TaskID, ChunkIndex: index, PeerID: r.task.Sources[srcIdx].PeerID, Reason: err.Error()})
			if _, ok := restartTriggerKind(err); ok {
				// file-level failure, not source-level: surface to
				// downloadLoop immediately rather than trying a backup
				// candidate.
				return err
			}
			lastErr = err
			continue
		}

		if merkle.ChunkID(data) != r.task.Manifest.ChunkIDs[index] {
			r.onHashMismatch(srcIdx, index)
			lastErr = xerrors.New(xerrors.KindChunkHashMismatch, "chunk hash mismatch", nil)
			continue
		}

		start := time.Now()
		if _, err := r.sched.store.PutChunk(data); err != nil {
			lastErr = err
			continue
		}
		r.sched.metricsStore.RecordSuccess(r.task.Sources[srcIdx].PeerID, float64(time.Since(start).Milliseconds()), uint64(len(data)), time.Since(start))
		if r.sched.reputationEngine != nil {
			r.sched.reputationEngine.Record(reputation.EventChunkCompleted, r.task.Sources[srcIdx].PeerID)
		}
		r.downloaded += int64(len(data))
		r.sched.publish(eventbus.ChunkCompleted{TaskID: r.task.TaskID, ChunkIndex: index, PeerID: r.task.Sources[srcIdx].PeerID, Bytes: len(data)})
		return nil
	}

	if lastErr == nil {
		lastErr = xerrors.New(xerrors.KindUnreachable, "no live candidate source for chunk", nil)
	}
	return lastErr
}

func (r *taskRunner) onHashMismatch(srcIdx int, index uint32) {
	peerID := r.task.Sources[srcIdx].PeerID
	r.mismatches[srcIdx]++
	r.sched.publish(eventbus.ChunkFailed{TaskID: r.task.TaskID, ChunkIndex: index, PeerID: peerID, Reason: string(xerrors.KindChunkHashMismatch)})
	if r.sched.reputationEngine != nil {
		r.sched.reputationEngine.Record(reputation.EventHashMismatch, peerID)
	}
	if r.mismatches[srcIdx] >= maxMismatchesBeforeBlacklist {
		r.blacklisted[srcIdx] = true
		r.log.Warn("blacklisting source for task after repeated hash mismatches", zap.String("peer_id", peerID))
	}
}

// emitProgress publishes Progress and SpeedUpdate at <=1Hz with a
// monotonically non-decreasing downloaded_bytes, per the ordering
// guarantees.
func (r *taskRunner) emitProgress() {
	now := time.Now()
	if now.Sub(r.lastProgressEmit) < progressInterval {
		return
	}
	elapsed := now.Sub(r.lastProgressEmit)
	r.lastProgressEmit = now

	r.sched.publish(eventbus.Progress{TaskID: r.task.TaskID, DownloadedBytes: r.downloaded, TotalBytes: r.task.Manifest.FileSize})
	if elapsed > 0 {
		r.sched.publish(eventbus.SpeedUpdate{TaskID: r.task.TaskID, BytesPerSecond: float64(r.downloaded) / elapsed.Seconds()})
	}
}

// restartFromZero clears the bitmap and truncates the partial file, per
// the restart-from-zero triggers (WeakEtag, EtagChanged, RangeUnsupported,
// Http416).
func (r *taskRunner) restartFromZero(dir string, trigger RestartTrigger) error {
	r.setState(FsmRestarting)
	r.bitmap.Clear()
	if err := r.bitmap.Save(filepath.Join(dir, "chunks_done.bits")); err != nil {
		return err
	}
	partial := filepath.Join(dir, "partial.bin")
	if err := os.Truncate(partial, 0); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrapf(xerrors.KindIoError, err, "truncate partial file")
	}
	r.downloaded = 0
	r.log.Info("restarting download from zero", zap.String("trigger", string(trigger)))
	return nil
}
