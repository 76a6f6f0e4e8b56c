//go:build linux

package v4l2

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	vidiocGCtrl = 0xc008561b
	vidiocSCtrl = 0xc008561c
)

// v4l2Control mirrors struct v4l2_control.
type v4l2Control struct {
	id    uint32
	value int32
}

// Device is an open V4L2 device node.
type Device struct {
	path string
	fd   int
}

// Open opens the device node read-write without blocking.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

// Close closes the device node.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Get reads a control value.
func (d *Device) Get(id uint32) (int32, error) {
	ctrl := v4l2Control{id: id}
	if err := d.ioctl(vidiocGCtrl, &ctrl); err != nil {
		return 0, fmt.Errorf("VIDIOC_G_CTRL %#x on %s: %w", id, d.path, err)
	}
	return ctrl.value, nil
}

// Set writes a control value.
func (d *Device) Set(id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	if err := d.ioctl(vidiocSCtrl, &ctrl); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL %#x on %s: %w", id, d.path, err)
	}
	return nil
}

// Controls reads the exposure, focus and autofocus controls.
func (d *Device) Controls() (Controls, error) {
	exposure, err := d.Get(CtrlExposureAbsolute)
	if err != nil {
		return Controls{}, err
	}
	focus, err := d.Get(CtrlFocusAbsolute)
	if err != nil {
		return Controls{}, err
	}
	af, err := d.Get(CtrlFocusAuto)
	if err != nil {
		return Controls{}, err
	}
	return Controls{Exposure: int(exposure), Focus: int(focus), Autofocus: af != 0}, nil
}

func (d *Device) ioctl(req uintptr, ctrl *v4l2Control) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(unsafe.Pointer(ctrl)))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// ReadControls opens path, reads the managed controls and closes it.
func ReadControls(path string) (Controls, error) {
	d, err := Open(path)
	if err != nil {
		return Controls{}, err
	}
	defer d.Close()
	return d.Controls()
}
