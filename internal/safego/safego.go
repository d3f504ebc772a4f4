// Package safego launches background goroutines that recover panics.
package safego

import "log/slog"

// Go runs fn on a new goroutine, recovering and logging any panic instead of
// letting it take the process down. Fire-and-forget work such as async event
// export runs through here: a panicking shipper must not crash the
// application whose writes it is trailing.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
