package types

// Envelope is the shape fetch functions are expected to resolve to. The cache
// layer itself is payload-shape-agnostic; any unwrapping of server response
// framing belongs in the fetch function, which returns the bare payload here.
type Envelope[T any] struct {
	Payload T `json:"payload"`
}
