package utils

import (
	"os"

	"go.viam.com/utils"
)

// RemoveFileNoError removes path if it exists. Errors are ignored.
func RemoveFileNoError(path string) {
	utils.UncheckedError(os.Remove(path))
}
