// Package dialect defines the inbound/outbound wire-adapter contracts
// (§4.7, §4.8) and a small registry over them. The registry is a linear
// scan over a short list, not a map — per §9 the dialect tags are few and
// carry no hash contract worth building one for.
package dialect

import (
	"github.com/modelbridge/gateway/internal/core"
)

// InboundAdapter converts between a client-facing wire dialect and the
// canonical representation.
type InboundAdapter interface {
	Tag() string
	ParseRequest(body []byte) (core.CanonicalRequest, error)
	FormatResponse(resp core.CanonicalResponse) ([]byte, error)
	FormatStreamChunk(chunk core.CanonicalStreamChunk) (string, bool, error)
	DoneSentinel() string
}

// OutboundAdapter converts between the canonical representation and a
// backend's wire dialect.
type OutboundAdapter interface {
	Spec() core.BackendSpec
	BuildRequestBody(req core.CanonicalRequest) ([]byte, error)
	ParseResponse(body []byte) (core.CanonicalResponse, error)
	ParseStreamLine(line string) (core.CanonicalStreamChunk, bool, error)
	ExtraHeaders(backend core.BackendInfo) map[string]string
	InferencePath() string
}

// InboundRegistry holds the small set of supported client-facing dialects.
type InboundRegistry struct {
	adapters []InboundAdapter
}

func NewInboundRegistry(adapters ...InboundAdapter) *InboundRegistry {
	return &InboundRegistry{adapters: adapters}
}

func (r *InboundRegistry) Get(tag string) (InboundAdapter, bool) {
	for _, a := range r.adapters {
		if a.Tag() == tag {
			return a, true
		}
	}
	return nil, false
}

// OutboundRegistry holds the small set of supported backend dialects.
type OutboundRegistry struct {
	adapters []OutboundAdapter
}

func NewOutboundRegistry(adapters ...OutboundAdapter) *OutboundRegistry {
	return &OutboundRegistry{adapters: adapters}
}

func (r *OutboundRegistry) Get(spec core.BackendSpec) (OutboundAdapter, bool) {
	for _, a := range r.adapters {
		if a.Spec() == spec {
			return a, true
		}
	}
	return nil, false
}
