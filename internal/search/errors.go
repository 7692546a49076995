package search

import "errors"

var (
	ErrUnknownType  = errors.New("unknown search type")
	ErrUnknownField = errors.New("unknown search field")
	ErrBadFilter    = errors.New("malformed filter")
)
