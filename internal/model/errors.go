package model

import (
	"errors"
)

var (
	ErrISOFormat       = errors.New("invalid ISO8601 duration")
	ErrUnknownRunnable = errors.New("unknown runnable")
	ErrRunID           = errors.New("invalid run id")
)
