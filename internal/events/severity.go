package events

import (
	"math"

	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
)

// deriveScore computes the severity score for an open event. Monotonic while
// the event is open: detection count and max confidence only grow, and the
// category weight is fixed at event creation time.
func deriveScore(weight float64, detectionCount int, maxConfidence float64) float64 {
	if detectionCount <= 0 {
		return 0
	}
	return weight * maxConfidence * math.Log2(1+float64(detectionCount))
}

func severityFor(pol *config.CorrelationPolicy, score float64) string {
	switch {
	case score >= pol.CriticalThreshold:
		return data.SeverityCritical
	case score >= pol.WarnThreshold:
		return data.SeverityWarn
	default:
		return data.SeverityInfo
	}
}
