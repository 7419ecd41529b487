// Package serializer turns the per-request client state into the JSON
// embedded in hydrated pages.
package serializer

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// Tier reports which serialization attempt produced the output.
type Tier int

const (
	// Full is the complete accumulated state.
	Full Tier = iota
	// Minimal holds only configuration and the loaded-module set.
	Minimal
)

func (t Tier) String() string {
	switch t {
	case Full:
		return "full"
	case Minimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// State is the client initial state accumulated while rendering a request.
type State struct {
	Config  map[string]any    `json:"config"`
	Modules map[string]string `json:"modules"`
	Data    map[string]any    `json:"data,omitempty"`
	Request map[string]any    `json:"request,omitempty"`
}

type minimalState struct {
	Config  map[string]any    `json:"config"`
	Modules map[string]string `json:"modules"`
}

// Result is a successful serialization.
type Result struct {
	JSON string
	Tier Tier
}

// Degraded reports whether the full state could not be serialized.
func (r Result) Degraded() bool {
	return r.Tier != Full
}

// SerializationError is returned only when both tiers fail.
type SerializationError struct {
	Full    error
	Minimal error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize state: full: %v; minimal: %v", e.Full, e.Minimal)
}

func (e *SerializationError) Unwrap() []error {
	return []error{e.Full, e.Minimal}
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger used for fallback diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Serializer) { s.log = log }
}

// WithFallbackObserver registers fn to be called with the tier that failed.
func WithFallbackObserver(fn func(failed Tier)) Option {
	return func(s *Serializer) { s.onFallback = fn }
}

// Serializer encodes State values. Encoding streams are pooled and shared
// across requests, so a stream left dirty by a failed attempt is reset
// before it goes back to the pool.
type Serializer struct {
	api        jsoniter.API
	log        logrus.FieldLogger
	onFallback func(Tier)
}

// New creates a Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		api: jsoniter.ConfigCompatibleWithStandardLibrary,
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize encodes state, falling back to the minimal state when the full
// state cannot be encoded. An error is returned only when both fail.
func (s *Serializer) Serialize(state State) (Result, error) {
	out, fullErr := s.encode(state)
	if fullErr == nil {
		return Result{JSON: out, Tier: Full}, nil
	}
	s.log.WithError(fullErr).Error("encountered an error serializing full client initial state")
	s.fallback(Full)

	out, minErr := s.encode(minimalState{Config: state.Config, Modules: state.Modules})
	if minErr == nil {
		return Result{JSON: out, Tier: Minimal}, nil
	}
	s.log.WithError(minErr).Error("unable to build the most basic initial state for a client to start up")
	s.fallback(Minimal)
	return Result{}, &SerializationError{Full: fullErr, Minimal: minErr}
}

func (s *Serializer) encode(v any) (out string, err error) {
	stream := s.api.BorrowStream(nil)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder panic: %v", r)
		}
		if err != nil {
			reset(stream)
		}
		s.api.ReturnStream(stream)
	}()

	stream.WriteVal(v)
	if stream.Error != nil {
		return "", stream.Error
	}
	if len(stream.Buffer()) == 0 {
		return "", errors.New("empty encoding")
	}
	return string(stream.Buffer()), nil
}

func (s *Serializer) fallback(t Tier) {
	if s.onFallback != nil {
		s.onFallback(t)
	}
}

// reset discards a partially written buffer and the sticky error.
func reset(stream *jsoniter.Stream) {
	stream.Reset(nil)
	stream.Error = nil
	stream.Attachment = nil
}
