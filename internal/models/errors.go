package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes render failures for callers. The kind decides both
// whether the render continues (clip generation failures degrade, everything
// else is fatal) and whether a retry is worth attempting.
type ErrorKind string

const (
	ErrInvalidRequest       ErrorKind = "invalid_request"
	ErrAssetUnresolved      ErrorKind = "asset_unresolved"
	ErrClipGenerationFailed ErrorKind = "clip_generation_failed"
	ErrCompositionFailure   ErrorKind = "composition_failure"
	ErrPublishFailure       ErrorKind = "publish_failure"
)

// RenderError is the structured error surfaced at the orchestrator boundary.
type RenderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can do errors.Is(err, &RenderError{Kind: ...}).
func (e *RenderError) Is(target error) bool {
	var t *RenderError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether resubmitting the same request could succeed.
// Validation failures never are; transient infrastructure failures are.
func (e *RenderError) Retryable() bool {
	switch e.Kind {
	case ErrInvalidRequest:
		return false
	case ErrAssetUnresolved:
		return false
	case ErrClipGenerationFailed, ErrCompositionFailure, ErrPublishFailure:
		return true
	default:
		return false
	}
}

// AsProgressError converts to the shape carried in terminal snapshots.
func (e *RenderError) AsProgressError() *ProgressError {
	return &ProgressError{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable()}
}

func NewInvalidRequest(msg string) *RenderError {
	return &RenderError{Kind: ErrInvalidRequest, Message: msg}
}

func NewAssetUnresolved(name string, err error) *RenderError {
	return &RenderError{Kind: ErrAssetUnresolved, Message: fmt.Sprintf("asset %q could not be resolved", name), Err: err}
}

func NewClipGenerationFailed(sceneIndex int, err error) *RenderError {
	return &RenderError{Kind: ErrClipGenerationFailed, Message: fmt.Sprintf("all clip candidates failed for scene %d", sceneIndex), Err: err}
}

func NewCompositionFailure(msg string, err error) *RenderError {
	return &RenderError{Kind: ErrCompositionFailure, Message: msg, Err: err}
}

func NewPublishFailure(msg string, err error) *RenderError {
	return &RenderError{Kind: ErrPublishFailure, Message: msg, Err: err}
}

// KindOf extracts the error kind, defaulting to composition failure for
// unclassified errors escaping the pipeline.
func KindOf(err error) ErrorKind {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrCompositionFailure
}

// AsRenderError coerces any error into a RenderError, wrapping unclassified
// ones as composition failures.
func AsRenderError(err error) *RenderError {
	var re *RenderError
	if errors.As(err, &re) {
		return re
	}
	return &RenderError{Kind: ErrCompositionFailure, Message: "render pipeline failed", Err: err}
}
