package transport

import "context"

// The engines talk to the world through exactly this pair. In the real app a
// Writer renders a QR code and a Reader wraps the camera's decode stream; in
// tests and the selftest both ends sit on the in-memory loopback bus.

// Writer makes a frame observable to the peer, typically by replacing the
// currently displayed code.
type Writer interface {
	Write(ctx context.Context, frame string) error
}

// Reader delivers decoded frames until stopped. onData may fire more than
// once with the same payload when the camera decodes the same still twice;
// the engines dedupe by sequence number. onErr fires at most once, after
// which the reader is dead.
type Reader interface {
	Start(onData func(frame string), onErr func(err error))
	Stop()
}
