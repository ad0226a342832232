package streamer

// Estimator turns a running line count into a progress fraction.
//
// This is a heuristic, not a measured percentage: the compiler does not
// report how much work remains, so progress is the number of lines seen
// divided by an assumed total, capped below 1.0 until the process exits.
type Estimator struct {
	AssumedTotalLines int
}

// MaxRunning is the highest fraction reported while the process is still running
const MaxRunning = 0.99

// Fraction returns min(lines/AssumedTotalLines, 0.99)
func (e Estimator) Fraction(lines int) float64 {
	if e.AssumedTotalLines <= 0 || lines <= 0 {
		return 0
	}
	f := float64(lines) / float64(e.AssumedTotalLines)
	if f > MaxRunning {
		return MaxRunning
	}
	return f
}
