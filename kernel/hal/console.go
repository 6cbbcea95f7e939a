// Package hal exposes the narrow hardware-abstraction surface the rest of
// the kernel is reached through: today just a console writer. Richer
// device classes (VGA text/graphics, real TTYs, storage controllers) are
// reachable through the same narrow-interface pattern but are out of
// scope here (spec.md §1's "reached through a narrow interface").
package hal

import "sync"

// ConsoleWriter is anything kernel output can be written to: a VGA text
// buffer, a serial port, or (as here) an in-memory buffer used by tests and
// the hosted demo binary.
type ConsoleWriter interface {
	WriteString(s string) (int, error)
}

// Console is an in-memory ConsoleWriter that records every write, used by
// the hosted kernel binary and by tests asserting on WRITE syscall output
// (spec.md scenario (e): "kernel console contains ...").
type Console struct {
	mu  sync.Mutex
	buf []byte
}

// NewConsole returns an empty in-memory console.
func NewConsole() *Console { return &Console{} }

// Write implements io.Writer so kfmt.SetOutputSink can target a Console
// directly.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// WriteString appends s to the console buffer.
func (c *Console) WriteString(s string) (int, error) { return c.Write([]byte(s)) }

// String returns everything written so far.
func (c *Console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
