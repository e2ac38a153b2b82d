package webhook

import (
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("unknown webhook provider")

type AuthenticationError struct {
	Reason    string
	Forbidden bool
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "webhook authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed webhook payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed webhook payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedPayloadError{Reason: reason, Err: err}
}
