package core

// Frame is a raw signaling payload (JSON on the wire).
type Frame []byte

// SignalConnection abstracts a system messaging transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
