package train

import (
	"fmt"
	"math"
)

// Schedule is a linear warmup followed by cosine decay to MinLR. It has no
// state: the rate of any step can be recomputed at any time.
type Schedule struct {
	MaxLR       float64
	MinLR       float64
	WarmupSteps int
	MaxSteps    int
}

// NewSchedule returns the schedule decaying to a tenth of maxLR.
func NewSchedule(maxLR float64, warmupSteps, maxSteps int) (Schedule, error) {
	s := Schedule{MaxLR: maxLR, MinLR: 0.1 * maxLR, WarmupSteps: warmupSteps, MaxSteps: maxSteps}
	if warmupSteps < 1 || maxSteps <= warmupSteps || maxLR <= 0 {
		return s, fmt.Errorf("invalid schedule: warmup %d, max steps %d, max lr %g", warmupSteps, maxSteps, maxLR)
	}
	return s, nil
}

// LR returns the learning rate for step.
func (s Schedule) LR(step int) float64 {
	if step < s.WarmupSteps {
		return s.MaxLR * float64(step+1) / float64(s.WarmupSteps)
	}
	if step > s.MaxSteps {
		return s.MinLR
	}
	progress := float64(step-s.WarmupSteps) / float64(s.MaxSteps-s.WarmupSteps)
	coeff := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + coeff*(s.MaxLR-s.MinLR)
}
