// ABOUTME: Heuristic classifier for consecutive foreground transitions
// ABOUTME: Tags background gestures, recents/launcher surfaces and genuine app switches

package gesture

import (
	"strings"
	"time"

	"github.com/2389/applockd/internal/noise"
)

// ReturnWindow is how long after leaving an application a reappearance still
// counts as a return.
const ReturnWindow = 30 * time.Second

// Confidence levels per classification rule.
const (
	ConfidenceNoise     = 0.9
	ConfidenceRecents   = 0.8
	ConfidenceAppSwitch = 0.6
	ConfidenceDefault   = 0.3
)

// Meta carries the optional attributes of a focus event.
type Meta struct {
	ClassName string
}

// Classification is the classifier's verdict on one transition.
type Classification struct {
	BackgroundGesture bool
	AppSwitch         bool
	SystemNavigation  bool
	Confidence        float64
}

// String renders the classification for logs.
func (c Classification) String() string {
	switch {
	case c.SystemNavigation:
		return "system_navigation"
	case c.BackgroundGesture:
		return "background_gesture"
	case c.AppSwitch:
		return "app_switch"
	default:
		return "none"
	}
}

// defaultClassPatterns are window-class substrings of recents and launcher
// activities.
var defaultClassPatterns = []string{
	"RecentsActivity",
	"FallbackRecentsActivity",
	"RecentsImpl",
	"QuickstepLauncher",
	"NexusLauncherActivity",
	"Launcher",
	"HomeActivity",
	"OverviewActivity",
}

// Classifier tags transitions using a noise filter and window-class patterns.
type Classifier struct {
	filter   *noise.Filter
	patterns []string
}

// NewClassifier creates a classifier. A nil filter uses noise.Default().
// extraPatterns are appended to the built-in recents/launcher patterns.
func NewClassifier(filter *noise.Filter, extraPatterns ...string) *Classifier {
	if filter == nil {
		filter = noise.Default()
	}
	patterns := make([]string, 0, len(defaultClassPatterns)+len(extraPatterns))
	patterns = append(patterns, defaultClassPatterns...)
	for _, p := range extraPatterns {
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Classifier{filter: filter, patterns: patterns}
}

// Classify returns the verdict for a transition from prev to cur.
// The first matching rule wins.
func (c *Classifier) Classify(prev, cur string, meta Meta) Classification {
	curNoise := c.filter.IsNoise(cur)
	if curNoise {
		return Classification{
			BackgroundGesture: true,
			SystemNavigation:  true,
			Confidence:        ConfidenceNoise,
		}
	}

	if c.isRecentsClass(meta.ClassName) {
		return Classification{
			BackgroundGesture: true,
			Confidence:        ConfidenceRecents,
		}
	}

	if prev != cur && !c.filter.IsNoise(prev) {
		return Classification{
			AppSwitch:  true,
			Confidence: ConfidenceAppSwitch,
		}
	}

	return Classification{Confidence: ConfidenceDefault}
}

func (c *Classifier) isRecentsClass(className string) bool {
	if className == "" {
		return false
	}
	for _, p := range c.patterns {
		if strings.Contains(className, p) {
			return true
		}
	}
	return false
}

// IsReturn reports whether cur is prev reappearing within ReturnWindow.
func IsReturn(prev, cur string, elapsed time.Duration) bool {
	return prev == cur && elapsed < ReturnWindow
}
