package store

import (
	"context"
	"time"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/pkg/otel"
)

// Traced wraps every history and state operation of b in a span
func Traced(b Backend, name string) Backend {
	return &tracedBackend{Backend: b, name: name}
}

type tracedBackend struct {
	Backend
	name string
}

func (b *tracedBackend) History(mode Mode) HistoryStore {
	return &tracedHistory{next: b.Backend.History(mode), backend: b.name, mode: mode}
}

func (b *tracedBackend) State(mode Mode) StateStore {
	return &tracedState{next: b.Backend.State(mode), backend: b.name, mode: mode}
}

func startSpan(ctx context.Context, backend string, mode Mode, op string) (context.Context, func(error)) {
	ctx, span := otel.StartSpan(ctx, "store."+op,
		otel.AttrStoreOp.String(op),
		otel.AttrStoreBackend.String(backend),
		otel.AttrMode.String(string(mode)),
	)
	return ctx, func(err error) {
		otel.RecordError(span, err, op+" failed")
		span.End()
	}
}

type tracedHistory struct {
	next    HistoryStore
	backend string
	mode    Mode
}

func (h *tracedHistory) Append(ctx context.Context, snap api.TrafficSnapshot, maxEntries int) (err error) {
	ctx, end := startSpan(ctx, h.backend, h.mode, "history.append")
	defer func() { end(err) }()
	return h.next.Append(ctx, snap, maxEntries)
}

func (h *tracedHistory) Load(ctx context.Context) (snaps []api.TrafficSnapshot, err error) {
	ctx, end := startSpan(ctx, h.backend, h.mode, "history.load")
	defer func() { end(err) }()
	return h.next.Load(ctx)
}

func (h *tracedHistory) Delete(ctx context.Context, ts time.Time) (err error) {
	ctx, end := startSpan(ctx, h.backend, h.mode, "history.delete")
	defer func() { end(err) }()
	return h.next.Delete(ctx, ts)
}

type tracedState struct {
	next    StateStore
	backend string
	mode    Mode
}

func (s *tracedState) Load(ctx context.Context) (state api.DeploymentState, err error) {
	ctx, end := startSpan(ctx, s.backend, s.mode, "state.load")
	defer func() { end(err) }()
	return s.next.Load(ctx)
}

func (s *tracedState) Save(ctx context.Context, state api.DeploymentState) (err error) {
	ctx, end := startSpan(ctx, s.backend, s.mode, "state.save")
	defer func() { end(err) }()
	return s.next.Save(ctx, state)
}
