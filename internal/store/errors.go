package store

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrTerminal     = errors.New("job already in a terminal state")
	ErrAssetExists  = errors.New("asset kind already stored for job")
	ErrBreedSet     = errors.New("breed already set")
	ErrStillRunning = errors.New("job is still processing")
)
