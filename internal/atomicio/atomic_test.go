package atomicio

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesParentsAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, WriteFile(path, []byte("v1")))
	require.NoError(t, WriteFile(path, []byte("v2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.bin", entries[0].Name())
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int{"next": 7}

	require.NoError(t, WriteJSON(path, in))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestReadJSONMissingFile(t *testing.T) {
	var out map[string]int
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAppendNDJSONWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.ndjson")

	require.NoError(t, AppendNDJSON(path, map[string]int{"a": 1}))
	require.NoError(t, AppendNDJSON(path, map[string]int{"b": 2}, map[string]int{"c": 3}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var v map[string]int
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v))
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 3, lines)
}
