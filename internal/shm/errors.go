package shm

import "errors"

var (
	// ErrSegmentExists is returned by Create when a segment from a prior run
	// is still registered. The caller must clean up explicitly and retry.
	ErrSegmentExists = errors.New("shared memory segment already exists")

	// ErrSegmentNotFound means the producer has not created its segments.
	ErrSegmentNotFound = errors.New("shared memory segment not found")

	// ErrAttachTimeout wraps ErrSegmentNotFound when Attach gives up.
	ErrAttachTimeout = errors.New("timed out waiting for shared memory")

	// ErrSizeMismatch signals a segment of the wrong size, magic or layout
	// version. It is never retried.
	ErrSizeMismatch = errors.New("shared memory segment size or layout mismatch")

	// ErrPermission is returned when the OS denies access to a segment.
	ErrPermission = errors.New("permission denied on shared memory segment")

	// ErrRingTooShort is returned when the budget cannot hold MinRingLength slots.
	ErrRingTooShort = errors.New("ring buffer too short")

	ErrInvalidParams = errors.New("invalid control block parameters")
	ErrReadOnly      = errors.New("handle is read-only")
	ErrNotOwner      = errors.New("handle does not own the control block")
	ErrDetached      = errors.New("handle is detached")

	ErrBadChannel = errors.New("channel out of range")
	ErrBadTrack   = errors.New("audio track out of range")
	ErrBadSlot    = errors.New("recorder slot out of range")

	ErrBadTimecodeType = errors.New("unknown timecode type")

	// ErrNameBusy means the source name stayed mid-update for the whole
	// read, which happens when its writer died while holding it.
	ErrNameBusy = errors.New("source name is being updated")

	// ErrNegativeFrame is returned by the addressing functions.
	ErrNegativeFrame = errors.New("negative frame number")

	// ErrFrameNotPublished means the frame is newer than last_frame.
	ErrFrameNotPublished = errors.New("frame not yet published")

	// ErrFrameEvicted means the slot has been reused by a newer frame.
	ErrFrameEvicted = errors.New("frame evicted by wraparound")

	// ErrOutOfOrder is returned by Publish when last_frame moved underneath
	// the slot being written.
	ErrOutOfOrder = errors.New("frame published out of order")
)
