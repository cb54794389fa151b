package scheduler

import (
	"fmt"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

// requiredDiskFactor is the component design's preflight margin:
// "require free_bytes >= file_size * 1.05".
const requiredDiskFactor = 1.05

// checkDiskSpace verifies dir's filesystem has enough free space for
// fileSize bytes plus the required margin. Grounded on no example in the
// retrieval pack (none of the teacher's or the pack's repos perform a
// disk-space preflight check); syscall.Statfs is the standard-library
// mechanism for this on the supported platform and no third-party library
// in the corpus wraps it, so this one check is justified as a direct
// syscall rather than a dependency.
func checkDiskSpace(dir string, fileSize int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return xerrors.Wrapf(xerrors.KindIoError, err, "statfs %s", dir)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	required := int64(float64(fileSize) * requiredDiskFactor)
	if free < required {
		return xerrors.New(xerrors.KindStorageExhausted, fmt.Sprintf(
			"need %s free (file size %s plus margin), have %s",
			humanize.Bytes(uint64(required)), humanize.Bytes(uint64(fileSize)), humanize.Bytes(uint64(free)),
		), nil)
	}
	return nil
}
