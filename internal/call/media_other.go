//go:build !linux

package call

// NewDeviceSource returns NoMedia: camera and microphone capture needs the
// V4L2 and malgo drivers that only build on Linux.
func NewDeviceSource() (MediaSource, error) {
	return NoMedia{}, nil
}
