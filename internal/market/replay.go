package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"quantflow/internal/logger"
)

// KlineReader is the slice of the store the replay path needs.
type KlineReader interface {
	// RangeKlines returns up to limit candles of the series with
	// open_time in [fromMs, toMs) and strictly greater than afterMs,
	// ascending by open_time.
	RangeKlines(ctx context.Context, series Series, fromMs, toMs, afterMs int64, limit int) ([]Candle, error)
	// CountKlines counts candles of the series with open_time in [fromMs, toMs).
	CountKlines(ctx context.Context, series Series, fromMs, toMs int64) (int64, error)
}

const replayPageSize = 1000

// ReplaySource replays persisted candles in ascending open_time order. The
// sequence is finite and restartable: Stream may be called again after the
// previous run finished.
type ReplaySource struct {
	series    Series
	fromMs    int64
	toMs      int64
	reader    KlineReader
	pacing    Pacing
	gapPolicy GapPolicy
	capacity  int

	consumed atomic.Int64
	total    atomic.Int64

	mu  sync.Mutex
	err error
}

type ReplayOption func(*ReplaySource)

func WithPacing(p Pacing) ReplayOption {
	return func(s *ReplaySource) { s.pacing = p }
}

func WithGapPolicy(p GapPolicy) ReplayOption {
	return func(s *ReplaySource) { s.gapPolicy = p }
}

func WithCapacity(n int) ReplayOption {
	return func(s *ReplaySource) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func NewReplaySource(reader KlineReader, series Series, fromMs, toMs int64, opts ...ReplayOption) (*ReplaySource, error) {
	if reader == nil {
		return nil, fmt.Errorf("replay source: reader is required")
	}
	if !series.Interval.Valid() {
		return nil, fmt.Errorf("replay source: invalid interval %q", series.Interval)
	}
	if toMs <= fromMs {
		return nil, fmt.Errorf("replay source: empty time range [%d, %d)", fromMs, toMs)
	}
	s := &ReplaySource{
		series:   series,
		fromMs:   fromMs,
		toMs:     toMs,
		reader:   reader,
		capacity: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ReplaySource) Stream(ctx context.Context) (<-chan Candle, error) {
	total, err := s.reader.CountKlines(ctx, s.series, s.fromMs, s.toMs)
	if err != nil {
		return nil, fmt.Errorf("replay source %s: counting candles: %w", s.series, err)
	}
	s.total.Store(total)
	s.consumed.Store(0)
	s.setErr(nil)

	out := make(chan Candle, s.capacity)
	go s.run(ctx, out)
	return out, nil
}

func (s *ReplaySource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReplaySource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Progress reports consumed vs. total candle counts for this replay.
func (s *ReplaySource) Progress() (consumed, total int64) {
	return s.consumed.Load(), s.total.Load()
}

func (s *ReplaySource) run(ctx context.Context, out chan<- Candle) {
	defer close(out)

	step := s.series.Interval.Duration().Milliseconds()
	lastOpen := int64(0)

	for {
		page, err := s.reader.RangeKlines(ctx, s.series, s.fromMs, s.toMs, lastOpen, replayPageSize)
		if err != nil {
			s.setErr(fmt.Errorf("replay source %s: %w", s.series, err))
			return
		}
		if len(page) == 0 {
			return // history exhausted
		}
		for _, candle := range page {
			if lastOpen > 0 && candle.OpenTime <= lastOpen {
				s.setErr(fmt.Errorf("replay source %s: open_time %d not increasing after %d", s.series, candle.OpenTime, lastOpen))
				return
			}
			if lastOpen > 0 && candle.OpenTime > lastOpen+step {
				gap := &GapError{Series: s.series, FromTime: lastOpen, ToTime: candle.OpenTime}
				if s.gapPolicy == GapAbort {
					s.setErr(gap)
					return
				}
				logger.Warnf("replay %s: skipping gap %d -> %d", s.series, gap.FromTime, gap.ToTime)
			}
			if !s.pacing.delay(ctx, lastOpen, candle.OpenTime) {
				s.setErr(ctx.Err())
				return
			}
			select {
			case out <- candle:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
			lastOpen = candle.OpenTime
			s.consumed.Add(1)
		}
	}
}
