package store

import (
	"context"
	"errors"
	"time"
)

// Retry runs fn up to attempts times with exponential backoff starting at
// backoff. Not-found errors are permanent and returned immediately.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if isPermanent(err) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff << i):
		}
	}
	return err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound)
}
