package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthRejected  ReasonCode = "auth_rejected"
	ReasonAuthTransient ReasonCode = "auth_transient"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTDisconnect  ReasonCode = "stt_disconnect"
	ReasonSTTProtocol    ReasonCode = "stt_protocol"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"
	ReasonSTTReplayLoss  ReasonCode = "stt_replay_loss"

	ReasonTransportSend     ReasonCode = "transport_send"
	ReasonTransportProtocol ReasonCode = "transport_protocol"
)
