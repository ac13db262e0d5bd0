package progress

import "context"

// Sink receives batches of scan pipeline events from the hub. Consume may be
// called concurrently and must honor ctx deadlines; Close flushes whatever
// the sink buffers before the hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the narrow surface scan workers publish through. Hub implements
// it, so workers never see how events are buffered or where they land.
type Emitter interface {
	Emit(evt Event)
}
