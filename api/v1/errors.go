package v1

import "errors"

var (
	ErrContentType = errors.New("Content-Type must be application/json")
	ErrKind        = errors.New("kind must be one of torrent, nzb or direct")
	ErrSeedLimits  = errors.New("seedRatio and seedTime must not be negative")
)
