package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNoMedia         = errors.New("message has no media")
	ErrTransportClosed = errors.New("transport not connected")
)
