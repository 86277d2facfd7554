package llm

import (
	"context"
	"io"
	"sync/atomic"
)

type channelStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events <-chan Event
	closed atomic.Bool
}

// newEventStream runs fn in its own goroutine and terminates the stream with
// EventDone when fn returns nil, or EventError otherwise.
func newEventStream(ctx context.Context, run func(context.Context, chan<- Event) error) Stream {
	return newRawStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		if err := run(ctx, ch); err != nil {
			return err
		}
		select {
		case ch <- Event{Type: EventDone}:
		case <-ctx.Done():
		}
		return nil
	})
}

// newRawStream is newEventStream without the implicit EventDone. If run ends
// without error and without sending a terminal event the consumer observes
// io.EOF, which callers treat as a premature end.
func newRawStream(ctx context.Context, run func(context.Context, chan<- Event) error) Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		if err := run(streamCtx, ch); err != nil {
			if streamCtx.Err() != nil {
				return
			}
			select {
			case ch <- Event{Type: EventError, Err: err}:
			case <-streamCtx.Done():
			}
		}
	}()
	return &channelStream{ctx: streamCtx, cancel: cancel, events: ch}
}

func (s *channelStream) Recv() (Event, error) {
	if s.closed.Load() {
		return Event{}, context.Canceled
	}
	// Drain buffered events first so a terminal event that raced with
	// ctx cancellation is still delivered.
	select {
	case event, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return event, nil
	default:
	}

	select {
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	case event, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return event, nil
	}
}

func (s *channelStream) Close() error {
	s.closed.Store(true)
	s.cancel()
	return nil
}

// CompleteStream drives a non-streaming call through the Stream contract so
// callers handle both modes the same way. The whole reply arrives as one delta.
func CompleteStream(ctx context.Context, p Provider, req Request) Stream {
	return newEventStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return err
		}
		if resp.Text != "" {
			if err := send(ctx, ch, Event{Type: EventDelta, Text: resp.Text}); err != nil {
				return err
			}
		}
		use := resp.Usage
		return send(ctx, ch, Event{Type: EventUsage, Use: &use})
	})
}

func send(ctx context.Context, ch chan<- Event, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- ev:
		return nil
	}
}
