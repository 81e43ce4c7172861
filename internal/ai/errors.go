package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/pennypilot/internal/ai/openai"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrNotCancellable      = errors.New("ai batch cannot be cancelled")
)

// classify maps a provider error onto the package sentinels. Errors that
// already carry one of them pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrInferenceTimeout),
		errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrNotCancellable):
		return err
	case errors.Is(err, openai.ErrNotCancellable):
		return fmt.Errorf("%w: %v", ErrNotCancellable, err)
	case errors.Is(err, openai.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	case errors.Is(err, openai.ErrInvalidResponse):
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}
