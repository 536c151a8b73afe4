// ABOUTME: Tests for the transition classifier and the return-window check
// ABOUTME: Verifies rule precedence and confidence levels

package gesture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/applockd/internal/noise"
)

func TestClassify_Precedence(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name string
		prev string
		cur  string
		meta Meta
		want Classification
	}{
		{
			name: "noise current wins over everything",
			prev: "com.example.bank",
			cur:  "com.android.systemui",
			meta: Meta{ClassName: "com.android.quickstep.RecentsActivity"},
			want: Classification{BackgroundGesture: true, SystemNavigation: true, Confidence: ConfidenceNoise},
		},
		{
			name: "recents class",
			prev: "com.example.bank",
			cur:  "com.example.mail",
			meta: Meta{ClassName: "com.android.quickstep.RecentsActivity"},
			want: Classification{BackgroundGesture: true, Confidence: ConfidenceRecents},
		},
		{
			name: "app switch",
			prev: "com.example.bank",
			cur:  "com.example.mail",
			meta: Meta{ClassName: "com.example.mail.InboxActivity"},
			want: Classification{AppSwitch: true, Confidence: ConfidenceAppSwitch},
		},
		{
			name: "same app",
			prev: "com.example.bank",
			cur:  "com.example.bank",
			want: Classification{Confidence: ConfidenceDefault},
		},
		{
			name: "previous was noise",
			prev: "com.android.systemui",
			cur:  "com.example.bank",
			want: Classification{Confidence: ConfidenceDefault},
		},
		{
			name: "first event has empty previous",
			prev: "",
			cur:  "com.example.bank",
			want: Classification{Confidence: ConfidenceDefault},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.prev, tt.cur, tt.meta))
		})
	}
}

func TestClassify_ExtraPatterns(t *testing.T) {
	c := NewClassifier(noise.Default(), "TaskSwitcher", "")

	got := c.Classify("com.example.bank", "com.example.mail", Meta{ClassName: "org.oem.TaskSwitcherActivity"})
	assert.True(t, got.BackgroundGesture)
	assert.Equal(t, ConfidenceRecents, got.Confidence)
}

func TestClassification_String(t *testing.T) {
	assert.Equal(t, "system_navigation", Classification{BackgroundGesture: true, SystemNavigation: true}.String())
	assert.Equal(t, "background_gesture", Classification{BackgroundGesture: true}.String())
	assert.Equal(t, "app_switch", Classification{AppSwitch: true}.String())
	assert.Equal(t, "none", Classification{}.String())
}

func TestIsReturn(t *testing.T) {
	assert.True(t, IsReturn("a", "a", 0))
	assert.True(t, IsReturn("a", "a", 29999*time.Millisecond))
	assert.False(t, IsReturn("a", "a", 30*time.Second))
	assert.False(t, IsReturn("a", "b", time.Second))
	assert.True(t, IsReturn("", "", time.Second))
}
