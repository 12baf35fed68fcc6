package market

import (
	"context"
	"errors"
	"fmt"
)

// ErrDataGap marks a hole in the historical series. It is recoverable: the
// consumer's GapPolicy decides whether the stream aborts or skips over it.
var ErrDataGap = errors.New("market: data gap")

// GapError reports the span of a detected hole.
type GapError struct {
	Series   Series
	FromTime int64 // open_time of the last candle seen (ms)
	ToTime   int64 // open_time of the candle after the hole (ms)
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: gap between open_time %d and %d", e.Series, e.FromTime, e.ToTime)
}

func (e *GapError) Unwrap() error { return ErrDataGap }

// GapPolicy is consulted when a replay detects missing candles.
type GapPolicy int

const (
	// GapAbort terminates the stream with the GapError.
	GapAbort GapPolicy = iota
	// GapSkip logs the hole and continues with the next stored candle.
	GapSkip
)

// Source produces an ordered, lazy candle sequence. Backtest sources are
// finite and end by closing the channel; live sources run until ctx is
// cancelled. Candles are strictly increasing in OpenTime per series.
type Source interface {
	// Stream starts production. The returned channel is owned by the source
	// and closed when the sequence ends or fails; after it closes, Err
	// reports the terminal error, if any.
	Stream(ctx context.Context) (<-chan Candle, error)
	// Err is valid once the stream channel has closed.
	Err() error
}

// ProgressReporter is implemented by finite sources that can estimate how far
// along they are. Total may be zero when unknown.
type ProgressReporter interface {
	Progress() (consumed, total int64)
}
