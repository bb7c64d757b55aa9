package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governance semantic convention attributes.
var (
	AttrOperation     = attribute.Key("icgl.operation")
	AttrProposalID    = attribute.Key("icgl.proposal.id")
	AttrFromStatus    = attribute.Key("icgl.transition.from")
	AttrToStatus      = attribute.Key("icgl.transition.to")
	AttrAlertCategory = attribute.Key("icgl.alert.category")
	AttrAgentRole     = attribute.Key("icgl.agent.role")
	AttrDecision      = attribute.Key("icgl.decision.action")
)

// ProposalOperation creates attributes for operations on one proposal.
func ProposalOperation(proposalID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrProposalID.String(proposalID)}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
