//go:build !mediadevices

package media

import "errors"

// NewDeviceSource is unavailable unless built with -tags mediadevices, which
// pulls in the cgo camera and microphone drivers.
func NewDeviceSource() (Source, error) {
	return nil, errors.New("media: built without the mediadevices tag; use the synthetic source")
}
