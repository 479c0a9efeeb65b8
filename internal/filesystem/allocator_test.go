package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateFile_CreatesRightSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.part")

	a := NewAllocator()
	require.NoError(t, a.AllocateFile(path, 1024*1024))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 1024*1024, info.Size())
}

func TestCheckDiskSpace_RejectsImpossibleSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.part")

	a := NewAllocator()
	err := a.CheckDiskSpace(path, 1<<62)
	require.Error(t, err)
}
