// ABOUTME: Sentinel errors for request dispatch and stream consumption.
// ABOUTME: Callers match with errors.Is to map failures onto HTTP statuses.

package broker

import "errors"

var (
	// ErrEmptyMessageChain means the caller supplied no usable messages.
	ErrEmptyMessageChain = errors.New("message chain is empty")

	// ErrTimeout means the provider stream produced no data within the
	// configured window. Emitted exactly once per request.
	ErrTimeout = errors.New("timed out waiting for provider stream")

	// ErrUpstream wraps an error fragment relayed from the remote agent.
	ErrUpstream = errors.New("provider error")

	// ErrAttachmentTooLarge means the provider rejected an attachment for
	// its size.
	ErrAttachmentTooLarge = errors.New("attachment exceeds the provider size limit")

	// errVerificationChallenge marks a human verification page in the
	// stream. Resolved to an ErrUpstream message after the reload control
	// frame is dispatched.
	errVerificationChallenge = errors.New("human verification challenge detected")
)
