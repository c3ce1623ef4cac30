package handoff

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/klpq/chat-auth-bridge/internal/audit"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is a step of one authorization handoff.
type State string

const (
	Initiated          State = "INITIATED"
	ProviderRedirected State = "PROVIDER_REDIRECTED"
	CallbackReceived   State = "CALLBACK_RECEIVED"
	CredentialIssued   State = "CREDENTIAL_ISSUED"
	Delivered          State = "DELIVERED"
	Failed             State = "FAILED"
)

// transitions lists the forward moves from each state. Failed is reachable
// from every non-terminal state and is not listed.
var transitions = map[State][]State{
	Initiated:          {ProviderRedirected},
	ProviderRedirected: {CallbackReceived},
	CallbackReceived:   {CredentialIssued},
	CredentialIssued:   {Delivered},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Delivered || s == Failed
}

var transitionCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("github.com/klpq/chat-auth-bridge/internal/handoff").Int64Counter(
		"handoff.transitions",
		metric.WithDescription("Authorization handoff state transitions"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return counter
})

// flow tracks the state of one handoff within a single request. The server
// keeps no state between requests: the callback request starts a new flow at
// ProviderRedirected from the handoff cookie.
type flow struct {
	provider      string
	correlationID string
	state         State
}

func newFlow(ctx context.Context, provider, correlationID string, at State) *flow {
	f := &flow{provider: provider, correlationID: correlationID, state: at}

	entry := audit.Log(ctx)
	entry.Provider = provider
	entry.CorrelationID = correlationID
	entry.HandoffState = string(at)

	return f
}

func (f *flow) advance(ctx context.Context, to State) error {
	if !slices.Contains(transitions[f.state], to) {
		return fmt.Errorf("handoff cannot move from %s to %s", f.state, to)
	}

	f.move(ctx, to)
	return nil
}

// fail moves the flow to Failed and returns err.
func (f *flow) fail(ctx context.Context, err error) error {
	if f.state.Terminal() {
		return err
	}

	log.Ctx(ctx).Info().Err(err).
		Str("provider", f.provider).
		Str("request_id", f.correlationID).
		Str("from", string(f.state)).
		Msg("handoff failed")

	audit.Log(ctx).Error = err.Error()
	f.move(ctx, Failed)

	return err
}

func (f *flow) move(ctx context.Context, to State) {
	from := f.state
	f.state = to

	log.Ctx(ctx).Debug().
		Str("provider", f.provider).
		Str("request_id", f.correlationID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("handoff transition")

	audit.Log(ctx).HandoffState = string(to)

	if counter := transitionCounter(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("handoff.provider", f.provider),
			attribute.String("handoff.state", string(to)),
		))
	}
}
