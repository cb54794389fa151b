package scheduler

// FsmState is a single DownloadTask's fine-grained lifecycle stage, named
// verbatim in the data model (spec.md §3 DownloadFsmState). It refines
// coretypes.TaskState, which only tracks the coarse Queued/Starting/
// Downloading/Paused/Completed/Failed/Canceled states the rest of the
// system observes.
type FsmState int

const (
	FsmIdle FsmState = iota
	FsmHandshake
	FsmHandshakeRetry
	FsmLeaseRenewDue
	FsmPreparingHead
	FsmHeadBackoff
	FsmRestarting
	FsmPreflightStorage
	FsmValidatingMetadata
	FsmDownloading
	FsmPersistingProgress
	FsmPaused
	FsmAwaitingResume
	FsmLeaseExpired
	FsmVerifyingSha
	FsmFinalizingIo
	FsmCompleted
	FsmFailed
)

func (s FsmState) String() string {
	switch s {
	case FsmIdle:
		return "Idle"
	case FsmHandshake:
		return "Handshake"
	case FsmHandshakeRetry:
		return "HandshakeRetry"
	case FsmLeaseRenewDue:
		return "LeaseRenewDue"
	case FsmPreparingHead:
		return "PreparingHead"
	case FsmHeadBackoff:
		return "HeadBackoff"
	case FsmRestarting:
		return "Restarting"
	case FsmPreflightStorage:
		return "PreflightStorage"
	case FsmValidatingMetadata:
		return "ValidatingMetadata"
	case FsmDownloading:
		return "Downloading"
	case FsmPersistingProgress:
		return "PersistingProgress"
	case FsmPaused:
		return "Paused"
	case FsmAwaitingResume:
		return "AwaitingResume"
	case FsmLeaseExpired:
		return "LeaseExpired"
	case FsmVerifyingSha:
		return "VerifyingSha"
	case FsmFinalizingIo:
		return "FinalizingIo"
	case FsmCompleted:
		return "Completed"
	case FsmFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RestartTrigger names the conditions that force a download back to
// offset zero, per the component design's restart policy.
type RestartTrigger string

const (
	TriggerWeakEtag        RestartTrigger = "WeakEtag"
	TriggerEtagChanged     RestartTrigger = "EtagChanged"
	TriggerRangeUnsupported RestartTrigger = "RangeUnsupported"
	TriggerHttp416         RestartTrigger = "Http416"
)
