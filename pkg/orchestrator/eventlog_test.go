package orchestrator

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogAppendsOneJSONLinePerEmit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := OpenEventLog(path)
	require.NoError(t, err)

	require.NoError(t, log.Emit(Event{RunID: "r1", Stage: StateSorted, Collection: "CC-MAIN-2024-30", Count: 2}))
	require.NoError(t, log.Emit(Event{RunID: "r1", Stage: StateIndexed, Collection: "CC-MAIN-2024-30", Count: 2}))
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)

	var lines int
	for scanner.Scan() {
		lines++
	}

	assert.Equal(t, 2, lines)
}

func TestEventLogReopenAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")

	first, err := OpenEventLog(path)
	require.NoError(t, err)
	require.NoError(t, first.Emit(Event{RunID: "r1", Stage: StateSorted}))
	require.NoError(t, first.Close())

	second, err := OpenEventLog(path)
	require.NoError(t, err)
	require.NoError(t, second.Emit(Event{RunID: "r1", Stage: StateIndexed}))
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)

	var lines int
	for scanner.Scan() {
		lines++
	}

	assert.Equal(t, 2, lines)
	assert.NotEmpty(t, data)
}
