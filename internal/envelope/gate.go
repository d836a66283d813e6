package envelope

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	// HeaderCapabilities carries the comma-separated capabilities a daemon
	// advertises.
	HeaderCapabilities = "X-Daemon-Capabilities"
	// HeaderProtocolVersion is informational.
	HeaderProtocolVersion = "X-Daemon-Protocol-Version"
	// CapabilityEnvelopeV2 advertises support for the versioned envelope.
	CapabilityEnvelopeV2 = "daemon_event_envelope_v2"
)

const (
	CodeEnrolledRequiresV2      = "enrolled_loop_requires_v2_envelope"
	CodeEnvelopeInvalid         = "daemon_event_envelope_invalid"
	CodeCapabilityNotAdvertised = "daemon_capability_not_advertised"
)

// Policy selects how the capability header is enforced.
type Policy string

const (
	// PolicyEnrollment keys the decision on loop enrollment only; the
	// capability header is informational.
	PolicyEnrollment Policy = "enrollment"
	// PolicyStrict additionally requires the header and the body to agree.
	PolicyStrict Policy = "strict"
)

// ParsePolicy validates a configured policy name. Empty selects enrollment.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyEnrollment:
		return PolicyEnrollment, nil
	case PolicyStrict:
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("envelope: unknown capability policy %q", s)
}

// LivePolicy holds the policy in force. Config reloads swap it while
// requests are being evaluated.
type LivePolicy struct {
	v atomic.Value
}

func NewLivePolicy(p Policy) *LivePolicy {
	lp := &LivePolicy{}
	lp.Set(p)
	return lp
}

func (lp *LivePolicy) Set(p Policy) {
	if p == "" {
		p = PolicyEnrollment
	}
	lp.v.Store(p)
}

func (lp *LivePolicy) Load() Policy {
	if p, ok := lp.v.Load().(Policy); ok {
		return p
	}
	return PolicyEnrollment
}

// AdvertisesV2 reports whether a capabilities header value includes the
// versioned envelope capability.
func AdvertisesV2(header string) bool {
	for _, c := range strings.Split(header, ",") {
		if strings.TrimSpace(c) == CapabilityEnvelopeV2 {
			return true
		}
	}
	return false
}

// GateInput is everything the gate looks at.
type GateInput struct {
	Enrolled     bool
	AdvertisedV2 bool
	Shape        Shape
}

// Decision is either Proceed or *GateError.
type Decision interface {
	decision()
}

// Proceed lets the event through. UseEnvelope is false on the legacy path,
// where no dedup or coordination happens.
type Proceed struct {
	UseEnvelope bool
}

// GateError rejects the event before any transaction is opened.
type GateError struct {
	Status int
	Code   string
}

func (Proceed) decision()    {}
func (*GateError) decision() {}

func (e *GateError) Error() string {
	return fmt.Sprintf("capability gate: %s (%d)", e.Code, e.Status)
}

// Evaluate applies policy to in. Enrollment is checked first and wins
// regardless of what the daemon advertised.
func (p Policy) Evaluate(in GateInput) Decision {
	if in.Enrolled && in.Shape != ShapeValid {
		return &GateError{Status: http.StatusConflict, Code: CodeEnrolledRequiresV2}
	}
	if p == PolicyStrict {
		if in.AdvertisedV2 && in.Shape != ShapeValid {
			return &GateError{Status: http.StatusBadRequest, Code: CodeEnvelopeInvalid}
		}
		if !in.AdvertisedV2 && in.Shape == ShapeValid {
			return &GateError{Status: http.StatusBadRequest, Code: CodeCapabilityNotAdvertised}
		}
	}
	switch in.Shape {
	case ShapeValid:
		return Proceed{UseEnvelope: true}
	case ShapeMalformed:
		return &GateError{Status: http.StatusBadRequest, Code: CodeEnvelopeInvalid}
	case ShapeAbsent:
		return Proceed{UseEnvelope: false}
	}
	return &GateError{Status: http.StatusBadRequest, Code: CodeEnvelopeInvalid}
}
