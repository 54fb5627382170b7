package transport

import (
	"context"
	"time"
)

const (
	// HighWatermark is the buffered amount above which writers stop and
	// wait for BufferedAmountLow.
	HighWatermark = 1 << 20

	// LowWatermark is the buffered amount at which writers resume.
	LowWatermark = 256 << 10

	// drainPoll rechecks the buffered amount in case a low-water signal
	// was consumed before the writer started waiting.
	drainPoll = 50 * time.Millisecond
)

// WaitWritable blocks while ch has more than HighWatermark bytes
// buffered.
func WaitWritable(ctx context.Context, ch Channel) error {
	for ch.BufferedAmount() > HighWatermark {
		timer := time.NewTimer(drainPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch.Closed():
			timer.Stop()
			return ErrChannelClosed
		case <-ch.BufferedAmountLow():
		case <-timer.C:
		}
		timer.Stop()
	}
	return nil
}
