//go:build linux

package v4l2

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlLayout(t *testing.T) {
	// struct v4l2_control is two 32-bit fields.
	assert.Equal(t, uintptr(8), unsafe.Sizeof(v4l2Control{}))
}

func TestReadControls_MissingDevice(t *testing.T) {
	_, err := ReadControls(filepath.Join(t.TempDir(), "video0"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video0")
}
