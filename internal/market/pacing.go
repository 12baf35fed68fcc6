package market

import (
	"context"
	"time"
)

// Pacing controls how fast a replay delivers candles. The zero value replays
// as fast as the consumer drains.
type Pacing struct {
	// Speed scales bar time to wall-clock time: 60 means one minute of market
	// time passes per second. <= 0 means as-fast-as-possible.
	Speed float64
}

func PacingFullSpeed() Pacing { return Pacing{} }

func PacingScaled(speed float64) Pacing { return Pacing{Speed: speed} }

// delay blocks for the scaled gap between two consecutive candles. Returns
// false if ctx was cancelled while waiting.
func (p Pacing) delay(ctx context.Context, prevOpenMs, nextOpenMs int64) bool {
	if p.Speed <= 0 || prevOpenMs <= 0 || nextOpenMs <= prevOpenMs {
		return ctx.Err() == nil
	}
	gap := time.Duration(float64(nextOpenMs-prevOpenMs)/p.Speed) * time.Millisecond
	if gap <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
