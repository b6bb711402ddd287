package protocol

// Reason classifies why a command was rejected.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonConflict        Reason = "conflict"
	ReasonUpstream        Reason = "upstream_failure"
	ReasonBadRequest      Reason = "bad_request"
	ReasonBanned          Reason = "banned"
)

func (r Reason) String() string { return string(r) }
