package shadow

import "time"

// QueueModel estimates whether a resting order at the touch would trade.
// The estimate is the share of the displayed queue that recent prints
// consumed, capped at 1. An empty queue always fills.
type QueueModel struct{}

func (QueueModel) FillProbability(topSize, recentVolume float64) float64 {
	if topSize <= 0 {
		return 1
	}
	if recentVolume <= 0 {
		return 0
	}
	p := recentVolume / topSize
	if p > 1 {
		return 1
	}
	return p
}

type trade struct {
	tsLocal int64
	qty     float64
}

// tape keeps prints of one symbol inside a sliding ts_local window.
type tape struct {
	window int64
	prints []trade
}

func newTape(window time.Duration) *tape {
	return &tape{window: int64(window)}
}

func (t *tape) add(tsLocal int64, qty float64) {
	if qty < 0 {
		qty = -qty
	}
	t.prints = append(t.prints, trade{tsLocal: tsLocal, qty: qty})
	t.prune(tsLocal)
}

// volume sums prints in (now-window, now], oldest first so the sum is stable.
func (t *tape) volume(now int64) float64 {
	t.prune(now)
	var sum float64
	for _, p := range t.prints {
		if p.tsLocal <= now {
			sum += p.qty
		}
	}
	return sum
}

func (t *tape) prune(now int64) {
	cut := 0
	for cut < len(t.prints) && t.prints[cut].tsLocal <= now-t.window {
		cut++
	}
	if cut > 0 {
		t.prints = append(t.prints[:0], t.prints[cut:]...)
	}
}
