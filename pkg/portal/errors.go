package portal

import "fmt"

// The portal surfaces four failure kinds that callers check explicitly with
// errors.As: authentication rejections abort a whole cycle, transport and
// protocol failures degrade the smallest affected entity, and not-found is
// scoped to a single order or account.

// AuthError means the portal rejected the credentials or the bearer token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "portal authentication failed"
	}
	return "portal authentication failed: " + e.Reason
}

// TransportError means the network round trip failed or timed out, or the
// portal answered with a server-side error status. Retried only by waiting
// for the next scheduled cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("portal %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the portal answered but the response shape was not
// what we expect, which usually indicates an upstream API change. Logged
// distinctly from transport failures for that reason.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("portal %s returned unexpected response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotFoundError means the portal has no record of the requested entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("portal %s %s not found", e.Kind, e.ID)
}
