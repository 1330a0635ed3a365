package progress

import "context"

// Sink consumes batches of run-log events in emission order. Implementations
// must honor ctx deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// orchestrator stays agnostic about how entries are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}
