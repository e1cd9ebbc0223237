package service

import (
	"errors"
	"fmt"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/guard"
)

var (
	ErrNoProfile            = errors.New("no profile for key")
	ErrLocked               = errors.New("save already in flight")
	ErrThrottled            = errors.New("save requests throttled")
	ErrBlocked              = errors.New("write blocked by validation guard")
	ErrSanitizeFailed       = errors.New("profile could not be sanitized")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrVerificationMismatch = errors.New("stored version behind written version")
	ErrSaveTimeout          = errors.New("save timed out")
)

// BlockedError carries the guard decision for a vetoed write.
type BlockedError struct {
	Code guard.ReasonCode
	Old  *domain.Summary
	New  domain.Summary
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBlocked, e.Code)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}
