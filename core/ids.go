package core

import "github.com/google/uuid"

// RunToken is the opaque identifier of one in-flight tool or model invocation.
// It only exists within the telemetry stream; transcripts never reference it.
type RunToken string

// String returns the token text.
func (t RunToken) String() string { return string(t) }

// NewRunToken generates a fresh run token.
func NewRunToken() RunToken { return RunToken(uuid.NewString()) }

// NewID generates a new unique identifier for messages and interactions.
//
// This function creates a UUID-based unique identifier that can be used
// for correlation throughout the module.
func NewID() string { return uuid.NewString() }
