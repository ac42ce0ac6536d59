package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStyles_HeaderIsBold(t *testing.T) {
	assert.True(t, DefaultStyles().Header.GetBold())
}

func TestNoColorStyles_RenderUnchanged(t *testing.T) {
	// Given: styles for plain output
	styles := NoColorStyles()

	// Then: rendering leaves text alone
	for _, s := range []string{"available", "12 failed", ""} {
		assert.Equal(t, s, styles.Error.Render(s))
		assert.Equal(t, s, styles.Label.Render(s))
	}
}

func TestGetStyles(t *testing.T) {
	assert.True(t, GetStyles(false).Header.GetBold())
	assert.False(t, GetStyles(true).Header.GetBold())
}

func TestStatusStyle(t *testing.T) {
	s := DefaultStyles()

	assert.Equal(t, s.Success.GetForeground(), s.statusStyle("available").GetForeground())
	assert.Equal(t, s.Warning.GetForeground(), s.statusStyle("degraded").GetForeground())
	assert.Equal(t, s.Error.GetForeground(), s.statusStyle("unavailable").GetForeground())
	assert.Equal(t, s.Error.GetForeground(), s.statusStyle("aborted").GetForeground())
	assert.Equal(t, s.Label.GetForeground(), s.statusStyle("something-else").GetForeground())
}
