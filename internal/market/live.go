package market

import (
	"context"
	"fmt"
	"sync"

	"quantflow/internal/bus"
)

// LiveSource turns kline change notifications into an ordered candle stream.
// An open bar may be updated several times before it closes; notifications for
// an open_time already forwarded replace the pending value instead of queuing
// behind it (last write wins). A candle is emitted downstream when the next
// open_time appears, so consumers only ever see closed bars, strictly
// increasing in open_time. The sequence is infinite until ctx is cancelled.
type LiveSource struct {
	bus      *bus.Bus
	series   Series
	capacity int

	mu  sync.Mutex
	err error
}

func NewLiveSource(b *bus.Bus, series Series, capacity int) (*LiveSource, error) {
	if b == nil {
		return nil, fmt.Errorf("live source: bus is required")
	}
	if !series.Interval.Valid() {
		return nil, fmt.Errorf("live source: invalid interval %q", series.Interval)
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &LiveSource{bus: b, series: series, capacity: capacity}, nil
}

func (s *LiveSource) Stream(ctx context.Context) (<-chan Candle, error) {
	events := s.bus.Subscribe(ctx, bus.KlineChangeTopic)
	out := make(chan Candle, s.capacity)
	go s.run(ctx, events, out)
	return out, nil
}

func (s *LiveSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *LiveSource) run(ctx context.Context, events <-chan bus.Event, out chan<- Candle) {
	defer close(out)

	var pending *Candle

	flush := func() bool {
		if pending == nil {
			return true
		}
		select {
		case out <- *pending:
			pending = nil
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.err = ctx.Err()
			s.mu.Unlock()
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			candle, ok := evt.Payload.(Candle)
			if !ok {
				continue
			}
			if candle.Exchange != s.series.Exchange ||
				candle.Market != s.series.Market ||
				candle.Symbol != s.series.Symbol ||
				candle.Interval != s.series.Interval {
				continue
			}
			switch {
			case pending == nil:
				pending = &candle
			case candle.OpenTime == pending.OpenTime:
				// same bar updated before close: keep only the latest
				pending = &candle
			case candle.OpenTime > pending.OpenTime:
				if !flush() {
					return
				}
				pending = &candle
			default:
				// stale notification for an already-forwarded bar
			}
		}
	}
}
