package core

import "context"

// TargetID is the stable identity of a display target.
type TargetID string

// Target is a display surface an image is rendered into.
// SetImage and SetPlaceholder are only ever invoked from the single display consumer.
type Target interface {
	// ID returns the stable identity used for pending-key bookkeeping.
	ID() TargetID

	// SetImage shows a decoded image.
	SetImage(img *Image)

	// SetPlaceholder shows the placeholder for a request that has no image (yet).
	SetPlaceholder(img *Image)
}

// KeyedTarget is a Target that records the key it was most recently asked to
// show. The loader calls Assign in the same step that makes key the target's
// current request, so the recorded key always matches what gets delivered.
type KeyedTarget interface {
	Target
	Assign(key Key)
}

// Request describes what a fetcher should produce.
type Request struct {
	Key Key
	// AuxID is only used by KindResource.
	AuxID int
	Kind  Kind
}

// Result is what a fetcher produced: encoded bytes or, for kinds where
// Kind.ReturnsImage is true, a decoded image.
type Result struct {
	Data  []byte
	Image *Image
}

// Fetcher produces encoded bytes or a decoded image for one request kind.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req Request) (Result, error)

// Fetch calls f(ctx, req)
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
