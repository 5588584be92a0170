package protocol

// Close codes sent by the hub and consumed by the client state machine.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation   = 1008
	CloseMessageTooBig     = 1009
	CloseInternalError     = 1011
	CloseTryAgainLater     = 1013
	CloseInvalidCredential = 4401
	CloseAccountInactive   = 4403
	CloseMissingCredential = 4408
)

// Close reasons paired with the custom codes.
const (
	ReasonInvalidCredential = "invalid_credential"
	ReasonAccountInactive   = "account_inactive"
	ReasonMissingCredential = "missing_credential"
	ReasonLogout            = "logout"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonSlowConsumer      = "slow_consumer"
	ReasonShutdown          = "shutdown"
	ReasonUnavailable       = "verifier_unavailable"
	ReasonDisconnected      = "disconnected"
)

// Reasons carried by room_error and error frames.
const (
	ReasonNotPermitted = "not_permitted"
	ReasonInvalidFrame = "invalid_frame"
	ReasonRateLimited  = "rate_limited"
	ReasonUnknownAlert = "unknown_alert"
	ReasonSyncFailed   = "sync_failed"
	ReasonAlertClosed  = "alert_resolved"
)

// IsAuthClose reports whether a close code means the credential can never
// succeed as-is. The client must not retry these.
func IsAuthClose(code int) bool {
	switch code {
	case ClosePolicyViolation, CloseInvalidCredential, CloseAccountInactive, CloseMissingCredential:
		return true
	}
	return false
}

// IsCleanClose reports whether a close ends the session without retry or logout.
func IsCleanClose(code int) bool {
	return code == CloseNormal
}
