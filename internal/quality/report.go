package quality

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// RatingNoData is the rating of a summary with no results.
const RatingNoData = "NO DATA"

// Summary aggregates the latest result of each check.
type Summary struct {
	Total          int
	Excellent      int
	Good           int
	Fair           int
	NeedsAttention int
	Monitoring     int
	Errors         int
	// Score weights excellent checks at 100 and good checks at 85.
	Score  float64
	Rating string
}

// Summarize computes the overall quality score and rating.
func Summarize(results []*core.QualityResult) Summary {
	s := Summary{Total: len(results), Rating: RatingNoData}
	for _, r := range results {
		switch r.Status {
		case core.QualityExcellent:
			s.Excellent++
		case core.QualityGood:
			s.Good++
		case core.QualityFair:
			s.Fair++
		case core.QualityNeedsAttention:
			s.NeedsAttention++
		case core.QualityMonitoring:
			s.Monitoring++
		case core.QualityError:
			s.Errors++
		}
	}
	if s.Total == 0 {
		return s
	}
	s.Score = float64(s.Excellent*100+s.Good*85) / float64(s.Total)
	switch {
	case s.Score >= 95:
		s.Rating = string(core.QualityExcellent)
	case s.Score >= 85:
		s.Rating = string(core.QualityGood)
	case s.Score >= 70:
		s.Rating = string(core.QualityFair)
	default:
		s.Rating = string(core.QualityNeedsAttention)
	}
	return s
}

// FreshnessStatus classifies how recently data last landed.
type FreshnessStatus string

// Freshness statuses.
const (
	FreshnessFresh      FreshnessStatus = "FRESH"
	FreshnessAcceptable FreshnessStatus = "ACCEPTABLE"
	FreshnessStale      FreshnessStatus = "STALE"
	FreshnessUnknown    FreshnessStatus = "UNKNOWN"
)

// Freshness is the age of the last load.
type Freshness struct {
	LastLoad time.Time
	Age      time.Duration
	Status   FreshnessStatus
}

// FreshnessOf classifies lastLoad against now: up to 30 minutes is fresh,
// up to two hours acceptable.
func FreshnessOf(lastLoad, now time.Time) Freshness {
	if lastLoad.IsZero() {
		return Freshness{Status: FreshnessUnknown}
	}
	age := now.Sub(lastLoad)
	f := Freshness{LastLoad: lastLoad, Age: age}
	switch {
	case age <= 30*time.Minute:
		f.Status = FreshnessFresh
	case age <= 2*time.Hour:
		f.Status = FreshnessAcceptable
	default:
		f.Status = FreshnessStale
	}
	return f
}

// Report is the monitoring view over the latest results.
type Report struct {
	Summary         Summary
	Freshness       Freshness
	Attention       []*core.QualityResult
	Failing         []*core.QualityResult
	Recommendations []string
}

// BuildReport assembles a report from the latest result per check and the
// time of the most recent load.
func BuildReport(latest []*core.QualityResult, lastLoad, now time.Time) Report {
	r := Report{
		Summary:   Summarize(latest),
		Freshness: FreshnessOf(lastLoad, now),
	}
	for _, res := range latest {
		switch res.Status {
		case core.QualityNeedsAttention:
			r.Attention = append(r.Attention, res)
		case core.QualityError:
			r.Failing = append(r.Failing, res)
		}
	}

	if n := len(r.Attention); n > 0 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d quality checks need attention: investigate data quality issues", n))
	}
	if r.Freshness.Status == FreshnessStale {
		r.Recommendations = append(r.Recommendations,
			"pipeline may need attention: last load was over 2 hours ago")
	}
	if n := len(r.Failing); n > 0 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d quality checks are failing to run: check their target tables", n))
	}
	if r.Summary.Total > 0 && r.Summary.Score < 85 {
		r.Recommendations = append(r.Recommendations,
			"overall quality score is below optimal: review data ingestion processes")
	}
	if len(r.Recommendations) == 0 {
		r.Recommendations = append(r.Recommendations, "pipeline is healthy: continue monitoring")
	}
	return r
}

// Severity returns "critical" for an attention result with more than ten
// failing records and "warning" otherwise.
func Severity(res *core.QualityResult) string {
	if res.Value > 10 {
		return "critical"
	}
	return "warning"
}
