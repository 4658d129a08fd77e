package termstore

import (
	"errors"

	"github.com/i5heu/termstore/pkg/types"
)

var (
	ErrNotStarted = errors.New("termstore: store not started")
	ErrClosed     = errors.New("termstore: store closed")

	ErrBindingConflict    = types.ErrBindingConflict
	ErrIntegrityViolation = types.ErrIntegrityViolation
	ErrSyncFailure        = types.ErrSyncFailure
	ErrMissingBinding     = types.ErrMissingBinding
)
