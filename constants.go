package fsw

import "github.com/tandemsat/fsw-core/internal/constants"

// Re-exported tuning defaults for callers assembling a Kernel without
// reaching into internal packages directly.
const (
	DefaultMaxFlow                = constants.DefaultMaxFlow
	DefaultMessageSize            = constants.DefaultMessageSize
	DefaultNotepadSize            = constants.DefaultNotepadSize
	DefaultClipBudget             = constants.DefaultClipBudget
	DefaultWatchdogTimeout        = constants.DefaultWatchdogTimeout
	DefaultRMAPEpochs             = constants.DefaultRMAPEpochs
	DefaultScrubBytesPerSlot      = constants.DefaultScrubBytesPerSlot
	DefaultScrubNanosPerWord      = constants.DefaultScrubNanosPerWord
	DefaultKeepAliveEveryCycles   = constants.DefaultKeepAliveEveryCycles
	DefaultKeepAliveTimeoutMissed = constants.DefaultKeepAliveTimeoutMissed
	DefaultQueueSize              = constants.DefaultQueueSize
	AutoAssignClipSlot            = constants.AutoAssignClipSlot
)
