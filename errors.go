package main

import "fmt"

// ProtocolError marks a legal frame received in the wrong state. It is
// fatal to the connection it occurred on, and is logged at warn.
type ProtocolError struct {
	State string
	Got   Header
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: unexpected %s in state %s", e.Got, e.State)
}

// TransportError wraps an underlying I/O failure. For the wallet link it
// triggers a reconnect; for a miner session it closes the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StaleGeneration signals that an in-flight get-block request was cancelled
// because a newer height arrived before it completed. It is never surfaced
// to the miner as an error string; the caller converts it into a retry.
type StaleGeneration struct{}

func (e *StaleGeneration) Error() string { return "stale generation: newer block height superseded this request" }

// Banned is returned at LOGIN time for a (user, address) pair that the ban
// cache/store reports as banned; an address-only ban is enforced at accept
// time by closing the socket, without this error.
type Banned struct {
	Reason    string
	ExpiresAt int64
}

func (e *Banned) Error() string { return fmt.Sprintf("banned: %s", e.Reason) }

// CommandParamError is returned by a command's validate() when a required
// parameter is missing or invalid.
type CommandParamError struct {
	Command string
	Reason  string
}

func (e *CommandParamError) Error() string {
	return fmt.Sprintf("command %s: bad params: %s", e.Command, e.Reason)
}

// CommandStoreError wraps a failure from the underlying relational store.
// Transient wraps whether the command bus should retry with backoff.
type CommandStoreError struct {
	Command   string
	Err       error
	Transient bool
}

func (e *CommandStoreError) Error() string {
	return fmt.Sprintf("command %s: store error: %v", e.Command, e.Err)
}
func (e *CommandStoreError) Unwrap() error { return e.Err }
