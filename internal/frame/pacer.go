package frame

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultFPS is the frame cadence when none is configured.
const DefaultFPS = 60

// Pacer spaces frames at a fixed rate using a token bucket of size one, so a
// loop that falls behind gets the next frame immediately but never a burst.
// Safe for concurrent use.
type Pacer struct {
	mu  sync.Mutex
	lim *rate.Limiter
	fps int
}

func NewPacer(fps int) *Pacer {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(fps), 1), fps: fps}
}

// Interval is the nominal time between frames.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Second / time.Duration(p.fps)
}

func (p *Pacer) FPS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fps
}

// SetFPS changes the cadence for frames reserved afterwards.
func (p *Pacer) SetFPS(fps int) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	p.mu.Lock()
	p.fps = fps
	p.lim.SetLimit(rate.Limit(fps))
	p.mu.Unlock()
}

// Next reserves the next frame slot and returns how long to wait for it.
func (p *Pacer) Next() time.Duration {
	return p.NextAt(time.Now())
}

// NextAt is Next evaluated at now.
func (p *Pacer) NextAt(now time.Time) time.Duration {
	p.mu.Lock()
	r := p.lim.ReserveN(now, 1)
	p.mu.Unlock()
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}
