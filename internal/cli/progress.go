package cli

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// takeSpinner shows an indeterminate spinner while one take is being
// transcribed. whisper-cli gives no usable progress, so only elapsed time
// is shown.
type takeSpinner struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newTakeSpinner(w io.Writer, description string) *takeSpinner {
	s := &takeSpinner{
		bar: progressbar.NewOptions(
			-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionThrottle(80*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.spin(120 * time.Millisecond)
	return s
}

func (s *takeSpinner) spin(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			_ = s.bar.Finish()
			return
		case <-ticker.C:
			_ = s.bar.Add(1)
		}
	}
}

// Stop blocks until the spinner has cleared its line. Safe to call twice.
func (s *takeSpinner) Stop() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
}

// startSpinner returns the stop func for a spinner on w, or a no-op when
// progress output is disabled.
func startSpinner(enabled bool, w io.Writer, description string) func() {
	if !enabled {
		return func() {}
	}
	return newTakeSpinner(w, description).Stop
}
