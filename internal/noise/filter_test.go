// ABOUTME: Tests for the foreground noise filter heuristics
// ABOUTME: Covers empty input, known shells, vendor prefix+keyword, transient surfaces, and extensions

package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNoise_Default(t *testing.T) {
	f := Default()

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"empty", "", true},
		{"system ui", "com.android.systemui", true},
		{"pixel launcher", "com.google.android.apps.nexuslauncher", true},
		{"samsung launcher", "com.sec.android.app.launcher", true},
		{"framework", "android", true},
		{"vendor settings", "com.android.settings", true},
		{"vendor keyboard", "com.google.android.inputmethod.latin", true},
		{"vendor provider", "com.android.providers.media", true},
		{"oem security", "com.miui.securitycenter", true},
		{"oem navigation", "com.oplus.navigationbar", true},
		{"gesture anywhere", "org.example.gestureoverlay", true},
		{"transition anywhere", "io.shell.transitionhost", true},
		{"animation anywhere", "net.anim.animationservice", true},
		{"explicit transient", "com.android.quickstep", true},
		{"vendor app without keyword", "com.google.android.gm", false},
		{"vendor camera", "com.android.camera2", false},
		{"third party", "com.example.bank", false},
		{"third party settings word only", "com.example.settingsapp", false},
		{"case sensitive keyword", "com.android.SystemUI", false},
		{"case sensitive exact", "Com.Android.Systemui", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.IsNoise(tt.id))
		})
	}
}

func TestIsTransient(t *testing.T) {
	f := Default()

	assert.True(t, f.IsTransient("com.android.gesture.nav"))
	assert.True(t, f.IsTransient("x.transition"))
	assert.False(t, f.IsTransient("com.android.systemui"))
	assert.False(t, f.IsTransient(""))
}

func TestNew_MergedRules(t *testing.T) {
	f := New(DefaultRules().Merge(Rules{
		Identifiers:    []string{"org.custom.home"},
		VendorPrefixes: []string{"org.oem."},
		SystemKeywords: []string{"dock"},
	}))

	assert.True(t, f.IsNoise("org.custom.home"))
	assert.True(t, f.IsNoise("org.oem.dockbar"))
	assert.False(t, f.IsNoise("org.oem.notes"))
	assert.True(t, f.IsNoise("com.android.systemui"), "defaults survive merge")
}

func TestNew_IgnoresEmptyEntries(t *testing.T) {
	f := New(Rules{
		Identifiers:         []string{""},
		VendorPrefixes:      []string{""},
		SystemKeywords:      []string{""},
		TransientSubstrings: []string{""},
	})

	assert.False(t, f.IsNoise("com.example.bank"), "empty substrings must not match everything")
	assert.True(t, f.IsNoise(""))
}

func TestMerge_DoesNotAliasBase(t *testing.T) {
	base := DefaultRules()
	n := len(base.Identifiers)
	_ = base.Merge(Rules{Identifiers: []string{"extra"}})
	assert.Len(t, base.Identifiers, n)
}
