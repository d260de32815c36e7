package messaging

// CancelRequest is the payload of a match.cancel request. The uid is trusted:
// only internal services that already authenticated the user publish here.
type CancelRequest struct {
	UID string `json:"uid"`
}

// CancelReply mirrors the cancel result shape for replies produced by the
// transport itself (malformed requests).
type CancelReply struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Refunded bool   `json:"refunded"`
}
