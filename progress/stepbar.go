package progress

import (
	"fmt"
	"strings"
	"sync"
)

// StepBar displays sampling progress, marking steps served from the cache
// apart from computed ones.
type StepBar struct {
	message string
	total   int

	mu    sync.Mutex
	marks []bool
	skips int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

// Mark records the next step as skipped or computed.
func (s *StepBar) Mark(skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.marks) >= s.total {
		return
	}

	s.marks = append(s.marks, skipped)
	if skipped {
		s.skips++
	}
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.marks)

	var percent float64
	if s.total > 0 {
		percent = float64(current) / float64(s.total) * 100
	}

	var bar strings.Builder
	for _, skipped := range s.marks {
		if skipped {
			bar.WriteString("░")
		} else {
			bar.WriteString("█")
		}
	}
	bar.WriteString(strings.Repeat(" ", s.total-current))

	// "sampling  40% ▕███░    ▏ 4/10 1 skipped"
	return fmt.Sprintf("%s %3.0f%% ▕%s▏ %d/%d %d skipped",
		s.message, percent, bar.String(), current, s.total, s.skips)
}
