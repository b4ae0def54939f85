package store

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/migrations"
)

func TestNotifyChannel_MatchesTriggers(t *testing.T) {
	t.Parallel()

	// Arrange
	files, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)

	// Act
	var notifies []string
	for _, name := range files {
		body, err := fs.ReadFile(migrations.FS, name)
		require.NoError(t, err)
		for _, line := range strings.Split(string(body), "\n") {
			if _, rest, ok := strings.Cut(line, "pg_notify('"); ok {
				channel, _, _ := strings.Cut(rest, "'")
				notifies = append(notifies, channel)
			}
		}
	}

	// Assert
	require.NotEmpty(t, notifies, "no trigger notifies the change feed")
	for _, channel := range notifies {
		assert.Equal(t, NotifyChannel, channel)
	}
}
