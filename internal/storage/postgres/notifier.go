package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	enqueueChannel      = "relayq_enqueue"
	cancellationChannel = "relayq_cancellations"
)

// NotifyEnqueue publishes a pending-job hint so idle workers skip the rest
// of their poll sleep. Delivery is best-effort; polling remains the source
// of truth.
func (s *Store) NotifyEnqueue(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", enqueueChannel, queue)
	if err != nil {
		return fmt.Errorf("failed to notify enqueue: %w", err)
	}
	return nil
}

// SubscribeEnqueue delivers a tick whenever a job lands on the queue. The
// listener holds a dedicated connection until ctx ends.
func (s *Store) SubscribeEnqueue(ctx context.Context, queue string) (<-chan struct{}, error) {
	payloads, err := s.listen(ctx, enqueueChannel)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for payload := range payloads {
			if payload != queue {
				continue
			}
			select {
			case ch <- struct{}{}:
			default: // subscriber is behind; a poll will catch up
			}
		}
	}()
	return ch, nil
}

// NotifyCancellation pushes a cancellation request to whichever worker owns
// the job.
func (s *Store) NotifyCancellation(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", cancellationChannel, jobID)
	if err != nil {
		return fmt.Errorf("failed to notify cancellation: %w", err)
	}
	return nil
}

// SubscribeCancellations streams cancelled job ids. The channel closes when
// ctx is cancelled.
func (s *Store) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	payloads, err := s.listen(ctx, cancellationChannel)
	if err != nil {
		return nil, err
	}

	ch := make(chan string, 10)
	go func() {
		defer close(ch)
		for payload := range payloads {
			select {
			case ch <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// listen acquires a dedicated connection, LISTENs on the channel and
// streams payloads until ctx ends.
func (s *Store) listen(ctx context.Context, channel string) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	ch := make(chan string, 10)
	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+channel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "notification wait failed", "channel", channel, "error", err)
				continue
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
