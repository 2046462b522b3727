// Package source defines what pricewatch needs from the collaborator that
// actually produces values for a key. A Source is opened once per watched
// key, and the resulting Handle is read by exactly one watcher loop.
//
// Implementations may be push based (values arrive from upstream and are
// queued until Next is called) or poll based (Next waits for the next tick
// and fetches), but both present the same pull-shaped Handle.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEndOfStream is returned by Next when the upstream closed normally.
	// The watcher treats it as terminal.
	ErrEndOfStream = errors.New("end of stream")

	// ErrEmptyValue is returned by Next when a fetch succeeded but no usable
	// value was found in it. The watcher logs it and carries on.
	ErrEmptyValue = errors.New("empty value")

	// ErrClosed is returned by Next after Close
	ErrClosed = errors.New("handle closed")
)

// Source opens handles
type Source interface {
	// Open acquires the upstream resource for key, which is already
	// normalised. It returns an *AcquisitionError if key is invalid or the
	// resource cannot be initialised before ctx is done.
	Open(ctx context.Context, key string) (Handle, error)
}

// Handle is an open acquisition for one key
type Handle interface {
	// Next blocks until a value is available, ctx is done, or an error occurs.
	Next(ctx context.Context) (string, error)

	// Close releases everything tied to the handle. It is idempotent.
	Close() error
}

// AcquisitionError reports a failure to open a source for a key
type AcquisitionError struct {
	Key string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Key, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// FetchError reports a failure to obtain one value. Terminal errors mean the
// handle is unusable and the watcher must be retired.
type FetchError struct {
	Key      string
	Terminal bool
	Err      error
}

func (e *FetchError) Error() string {
	kind := "recoverable"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Key, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Acquisition wraps err as an *AcquisitionError for key
func Acquisition(key string, err error) error {
	return &AcquisitionError{Key: key, Err: err}
}

// Recoverable wraps err as a recoverable *FetchError for key
func Recoverable(key string, err error) error {
	return &FetchError{Key: key, Err: err}
}

// Terminal wraps err as a terminal *FetchError for key
func Terminal(key string, err error) error {
	return &FetchError{Key: key, Terminal: true, Err: err}
}

// IsTerminal reports whether err means the handle can no longer produce
// values. Errors that are not FetchErrors are treated as recoverable, with
// the exception of ErrEndOfStream and ErrClosed.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrClosed) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Terminal
	}
	return false
}

// IsAcquisition reports whether err is an *AcquisitionError
func IsAcquisition(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae)
}

// ExtractField finds field in a JSON object, accepting string or number
// values. A body that is not an object, a missing field, or a blank value is
// reported as ErrEmptyValue.
func ExtractField(body []byte, field string) (string, error) {

	var m map[string]json.RawMessage

	if err := json.Unmarshal(body, &m); err != nil {
		return "", fmt.Errorf("unparseable value: %w", ErrEmptyValue)
	}

	raw, ok := m[field]
	if !ok {
		return "", fmt.Errorf("no %s field: %w", field, ErrEmptyValue)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrEmptyValue
		}
		return s, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}

	return "", fmt.Errorf("%s is not a string or number: %w", field, ErrEmptyValue)
}
