package rtc

import "errors"

var (
	// ErrCallNotFound is returned by Get while a freshly created call object
	// is not yet visible on the coordination plane, and by any operation on a
	// call id that never existed.
	ErrCallNotFound = errors.New("call object not found")

	// ErrPermissionDenied is returned by media device operations when the
	// platform denied camera or microphone access.
	ErrPermissionDenied = errors.New("media device permission denied")
)
