package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events; Hub satisfies it so workers stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}
