package frontier

import "errors"

var (
	// ErrInvalidPattern is returned when a profile filter does not compile
	ErrInvalidPattern = errors.New("invalid profile pattern")
	// ErrUnknownProfile is returned when a profile handle is not registered
	ErrUnknownProfile = errors.New("unknown crawl profile")
	// ErrProfileExists is returned when creating a profile whose handle is taken
	ErrProfileExists = errors.New("crawl profile already exists")
	// ErrProfileInUse is returned when removing a profile that queued requests still reference
	ErrProfileInUse = errors.New("crawl profile in use by queued requests")
	// ErrNotInQueue is returned when an outcome is reported for an unknown request
	ErrNotInQueue = errors.New("request not in queue")
	// ErrPaused is returned by Pop while crawling is paused
	ErrPaused = errors.New("crawl paused")
	// ErrNoWork is returned by Pop when no request became eligible within the wait bound
	ErrNoWork = errors.New("no eligible crawl request")
	// ErrClosed is returned after the queue has been closed
	ErrClosed = errors.New("frontier queue closed")
)
