package engine

import "fmt"

// AlreadyEnrolledError is returned when enrolling a contact that
// already has an active enrollment in the sequence.
type AlreadyEnrolledError struct {
	ContactID  uint
	SequenceID uint
}

func (e *AlreadyEnrolledError) Error() string {
	return fmt.Sprintf("contact %d already enrolled in sequence %d", e.ContactID, e.SequenceID)
}

// MissingTokenError is returned when a step template references a
// placeholder the contact profile cannot resolve and no default exists.
// It is a configuration error: the dispatch fails fast instead of
// sending literal placeholder text.
type MissingTokenError struct {
	Token string
}

func (e *MissingTokenError) Error() string {
	return fmt.Sprintf("template placeholder {%s} has no value and no default", e.Token)
}

// UnknownSendError is returned when a delivery event references a send
// that does not exist. Callbacks are at-least-once and cannot retry on
// 4xx, so callers log and drop these.
type UnknownSendError struct {
	SendID uint
}

func (e *UnknownSendError) Error() string {
	return fmt.Sprintf("send %d not found", e.SendID)
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// ValidationError is returned for malformed input that never reaches
// the stores.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}
