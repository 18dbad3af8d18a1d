package engine

// Class is the backend-independent category a native phase collapses to.
type Class int

const (
	// ClassIgnore covers queued, paused, checking and post-processing phases.
	ClassIgnore Class = iota
	ClassMetadata
	ClassTransferring
	ClassStalled
	ClassMissingData
	ClassError
	// ClassCompleted means the payload is complete; the job may still be uploading.
	ClassCompleted
	// ClassStopped means the job is idle after having been active.
	ClassStopped
)

var classNames = map[Class]string{
	ClassIgnore:       "ignore",
	ClassMetadata:     "metadata",
	ClassTransferring: "transferring",
	ClassStalled:      "stalled",
	ClassMissingData:  "missing_data",
	ClassError:        "error",
	ClassCompleted:    "completed",
	ClassStopped:      "stopped",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}
