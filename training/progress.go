package training

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// EstimateETA returns the remaining training time: the mean recent step duration
// (milliseconds) times the remaining step count, truncated to whole seconds.
// No remaining steps yields zero. An empty duration window is the caller's to guard.
func EstimateETA(recentMs []float64, remainingSteps int) time.Duration {
	if remainingSteps <= 0 || len(recentMs) == 0 {
		return 0
	}

	seconds := stat.Mean(recentMs, nil) * float64(remainingSteps) / 1000
	if seconds <= 0 {
		return 0
	}
	return time.Duration(int64(seconds)) * time.Second
}

// FormatETA formats a duration as H:MM:SS, with hours unbounded (0:00:10, 27:46:40)
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}
