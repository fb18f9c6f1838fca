package alert

import (
	"time"

	"github.com/gen2brain/beeep"
)

// BeepPlayer sounds the system beeper. The beeper has no volume control, so
// any volume above zero plays the same tone and zero stays silent.
type BeepPlayer struct {
	Frequency float64
	Duration  time.Duration
}

func (p BeepPlayer) Play(volume float64) error {
	if volume <= 0 {
		return nil
	}
	return beeep.Beep(p.Frequency, int(p.Duration/time.Millisecond))
}
