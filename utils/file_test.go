package utils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestRemoveFileNoError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch")
	test.That(t, os.WriteFile(path, []byte("x"), 0o600), test.ShouldBeNil)

	RemoveFileNoError(path)
	_, err := os.Stat(path)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	// missing files are ignored
	RemoveFileNoError(path)
}
