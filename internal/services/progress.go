package services

import (
	"github.com/fableforge/fableforge-backend/internal/types"
)

// RunProgress maps a run's status plus the providers' sub-progress onto one
// 0-100 score. Training dominates wall-clock time, so it gets the widest
// band even though it is only one of four stages. Callers are responsible for
// never writing a lower score than the one already stored.
func RunProgress(status string, trainingPct, storybookPct int) int {
	trainingPct = clampPct(trainingPct)
	storybookPct = clampPct(storybookPct)

	switch types.NormalizeRunStatus(status) {
	case types.RunStatusCreatingUser:
		return 5
	case types.RunStatusUploadingImages:
		return 15
	case types.RunStatusTraining:
		v := 20 + int(0.4*float64(trainingPct))
		if v < 15 {
			v = 15
		}
		return clampPct(v)
	case types.RunStatusStorybookPending:
		v := 60 + int(0.2*float64(trainingPct))
		if v < 60 {
			v = 60
		}
		return clampPct(v)
	case types.RunStatusStorybook:
		v := 65 + int(0.35*float64(storybookPct))
		if v < 65 {
			v = 65
		}
		return clampPct(v)
	case types.RunStatusCompleted:
		return 100
	case types.RunStatusFailed:
		// Observed behavior kept as-is: a run that failed late can report a
		// high score. The value freezes; it never resets to zero.
		v := 20 + int(0.4*float64(trainingPct))
		if trainingPct > v {
			v = trainingPct
		}
		return clampPct(v)
	default:
		return 0
	}
}

func clampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
