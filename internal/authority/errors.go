package authority

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError means the authority could not be reached at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "authority unreachable"
	}
	return fmt.Sprintf("%s: authority unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthorityError is a non-success response. Message is the authority's own
// error text, surfaced verbatim.
type AuthorityError struct {
	Op      string
	Status  int
	Message string
}

func (e *AuthorityError) Error() string {
	if e == nil {
		return "authority error"
	}
	return fmt.Sprintf("%s: authority returned %d: %s", e.Op, e.Status, e.Message)
}

// IsNotFound reports whether err is an AuthorityError with status 404.
func IsNotFound(err error) bool {
	var ae *AuthorityError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}
