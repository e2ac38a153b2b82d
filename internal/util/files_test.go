package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtil_CreateFileAtomic(t *testing.T) {
	t.Run("success - file is created with content", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "queue", "spec.yml")

		// act
		err := CreateFileAtomic(path, []byte("job_id: a"), 0o644)

		// assert
		assert.NoError(t, err)
		b, err := os.ReadFile(path)
		assert.NoError(t, err)
		assert.Equal(t, "job_id: a", string(b))
		entries, _ := os.ReadDir(filepath.Dir(path))
		assert.Len(t, entries, 1)
	})
	t.Run("failure - existing file is not replaced", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "spec.yml")
		assert.NoError(t, CreateFileAtomic(path, []byte("first"), 0o644))

		// act
		err := CreateFileAtomic(path, []byte("second"), 0o644)

		// assert
		assert.ErrorIs(t, err, ErrFileExists)
		b, _ := os.ReadFile(path)
		assert.Equal(t, "first", string(b))
		entries, _ := os.ReadDir(filepath.Dir(path))
		assert.Len(t, entries, 1)
	})
}

func TestUtil_WriteFileAtomic(t *testing.T) {
	t.Run("success - existing file is replaced", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "result.json")
		assert.NoError(t, WriteFileAtomic(path, []byte("{}"), 0o644))

		// act
		err := WriteFileAtomic(path, []byte(`{"state":"succeeded"}`), 0o644)

		// assert
		assert.NoError(t, err)
		b, _ := os.ReadFile(path)
		assert.Equal(t, `{"state":"succeeded"}`, string(b))
	})
}

func TestUtil_SanitizeName(t *testing.T) {
	assert.Equal(t, "hookci-abc_1.2", SanitizeName("HookCI-abc_1.2/ $"))
	assert.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
}
