package peer

import "errors"

var (
	ErrAlreadyExists = errors.New("peer already exists")
	ErrNotFound      = errors.New("peer not found")
)
