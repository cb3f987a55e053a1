package opensprinkler

import "fmt"

// TransportError is returned when the controller could not be reached or
// answered with a non-2xx status. StatusCode is zero for network failures and
// timeouts.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("request to %s failed. status code: %d message: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError means the controller answered but the payload did not have
// the expected shape.
type ProtocolError struct {
	Endpoint string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CommandRejectedError means the controller answered successfully but did not
// acknowledge the command with the success result code.
type CommandRejectedError struct {
	Command string
	Result  int
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("failed to %s (result code %d)", e.Command, e.Result)
}
