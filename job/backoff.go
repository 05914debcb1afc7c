package job

import (
	"fmt"
	"time"
)

// backoff implements bounded exponential backoff for idle claim polling
// (§4.2: "idle polling with bounded backoff").
type backoff struct {
	base, max time.Duration
	current   time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.base
}

func workerIdentity(i int) string {
	return fmt.Sprintf("worker-%d", i)
}
