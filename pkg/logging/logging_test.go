package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = New("loud", false)
	assert.ErrorContains(t, err, "invalid log level")
}
