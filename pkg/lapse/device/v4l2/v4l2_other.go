//go:build !linux

package v4l2

// ReadControls is not available outside Linux.
func ReadControls(string) (Controls, error) {
	return Controls{}, ErrUnsupported
}
