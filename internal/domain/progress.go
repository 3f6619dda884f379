package domain

import "math"

// ContentType distinguishes movies from series in the watch history
type ContentType string

const (
	ContentTypeMovie  ContentType = "movie"
	ContentTypeSeries ContentType = "series"
)

// FinishedThreshold is how close to the end (in seconds) playback counts as finished.
const FinishedThreshold = 30.0

// WatchProgress is the local record of playback position for one piece of content.
// Progress and Duration are seconds.
type WatchProgress struct {
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	Image       string      `json:"image,omitempty"`
	ContentType ContentType `json:"contentType,omitempty"`
	Progress    float64     `json:"progress"`
	Duration    float64     `json:"duration"`
	URL         string      `json:"url,omitempty"`

	// Series-only (zero for movies)
	Season  int `json:"season,omitempty"`
	Episode int `json:"episode,omitempty"`

	// Unix millis of the last accepted update
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// ShouldPersist reports whether the record belongs in the continue-watching list:
// started, and not within FinishedThreshold seconds of the end.
func (w WatchProgress) ShouldPersist() bool {
	return w.Duration > 0 && w.Progress > 0 && w.Progress < w.Duration-FinishedThreshold
}

// Percent returns progress as a 0-100 value for display
func (w WatchProgress) Percent() float64 {
	if w.Duration <= 0 {
		return 0
	}
	p := w.Progress / w.Duration * 100
	return math.Min(math.Max(p, 0), 100)
}

// Remaining returns the seconds left to watch
func (w WatchProgress) Remaining() float64 {
	return math.Max(w.Duration-w.Progress, 0)
}

// IsFinite reports whether v is a usable number (not NaN or ±Inf)
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
