package board

import "errors"

var (
	// ErrHTTPStatus reports a non-200 response from the controller's
	// control endpoint.
	ErrHTTPStatus = errors.New("controller returned unexpected HTTP status")

	// ErrUnexpectedResponse reports a response that does not look like it
	// came from an ESPARGOS controller, or a rejected request.
	ErrUnexpectedResponse = errors.New("unexpected controller response")

	// ErrUnsupportedAPIVersion reports a controller running a newer API
	// major version than this library supports.
	ErrUnsupportedAPIVersion = errors.New("unsupported controller API version")

	// ErrUnknownRevision reports a controller whose hardware revision has
	// no decode tables in this library.
	ErrUnknownRevision = errors.New("unknown board revision")

	// ErrStreamConnection reports that no live CSI stream could be
	// established (handshake timeout, magic mismatch, all transports
	// failed).
	ErrStreamConnection = errors.New("csi stream connection failed")
)
