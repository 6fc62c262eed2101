package store

import "errors"

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidOrder = errors.New("invalid order")
	ErrInvalidField = errors.New("invalid field")
)
