package broker

import "errors"

// Error kinds named in the protocol's error-handling table. Each maps to a
// specific AUTH_ERROR code or HTTP status at the Forward Dispatcher
// boundary; see Dispatcher.writeError and Session's use of these as
// AUTH_ERROR codes.
var (
	ErrAuthFailed        = errors.New("auth_failed")
	ErrTunnelDisabled    = errors.New("tunnel_disabled")
	ErrAlreadyConnected  = errors.New("already_connected")
	ErrHeartbeatTimeout  = errors.New("heartbeat_timeout")
	ErrProtocol          = errors.New("protocol_error")
	ErrTransport         = errors.New("transport_error")
	ErrRequestTimeout    = errors.New("request_timeout")
	ErrTargetUnavailable = errors.New("target_unavailable")
	ErrSessionClosed     = errors.New("session_closed")
	ErrDomainUnavailable = errors.New("domain_unavailable")
	ErrAuthTimeout       = errors.New("auth_timeout")
)
