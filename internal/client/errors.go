package client

import "errors"

var (
	ErrExpired      = errors.New("live position expired, resynchronize")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("authentication failed")
	ErrRateLimited  = errors.New("rate limited by server")
)
