// Package keyboard specifies the interface an external keystroke
// collaborator implements. This module only reconstructs and reads
// target memory; live keystroke capture is a separate concern supplied
// by the embedder, so this package carries no implementation of its
// own, only the contract callers code against.
package keyboard

import "context"

// Event is one keystroke delivered by an external collaborator.
type Event struct {
	VKCode uint32
	Down   bool
}

// Source is implemented by whatever component actually captures
// keystrokes (a driver, a hook, a hardware tap). This module never
// implements Source itself.
type Source interface {
	// Next blocks until the next keystroke event is available or ctx is
	// canceled.
	Next(ctx context.Context) (Event, error)
}
