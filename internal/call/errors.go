package call

import "errors"

var (
	// ErrPermissionDenied means the user refused device access. The
	// action that asked for media may be retried.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable means no usable camera or microphone.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrNegotiationFailed means the transport did not connect in time.
	ErrNegotiationFailed = errors.New("call negotiation failed")

	// ErrUnknownSession is returned for a session id this process does not track.
	ErrUnknownSession = errors.New("unknown call session")

	// ErrTransportClosed is returned by transport methods after Close.
	ErrTransportClosed = errors.New("call transport closed")
)

// ErrInvalidArgument marks a request the coordinator refuses before
// touching the store or any device.
var ErrInvalidArgument = errors.New("invalid argument")
