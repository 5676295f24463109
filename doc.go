// Package serialchannel wraps one serial line in a Channel: Open acquires the
// device and starts a background reader that accumulates incoming bytes in a
// FIFO buffer, Write transmits, and Available, TakeByte and ReadString drain
// what was received. Close stops the reader, waits for it, and releases the
// device.
//
// The default backend is go.bug.st/serial. Line framing defaults to 8-N-1
// and every blocking operation is bounded by the Config's TimeoutPolicy or a
// caller-supplied context.
package serialchannel
