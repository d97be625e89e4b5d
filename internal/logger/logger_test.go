package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	l, err := New("warn", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.WarnLevel))
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	l, err = New("bogus", "")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
