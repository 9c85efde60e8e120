// Package render turns card markup into a PNG using a bounded pool of
// reusable headless browser sessions that share one browser process.
package render

import (
	"context"
	"errors"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("render pool is closed")

// Box is a content rectangle in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the box has no drawable area.
func (b Box) Empty() bool { return b.Width <= 0 || b.Height <= 0 }

// Engine is the shared rendering engine (one browser process). Start must
// be safe to call again after the engine stopped.
type Engine interface {
	Start(ctx context.Context) error
	Running() bool
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated rendering context (a browser tab). A session is
// used by one request at a time.
type Session interface {
	// Load replaces the document with markup.
	Load(ctx context.Context, markup string) error
	// WaitImages waits until every image has loaded or failed, giving each
	// image at most perImage.
	WaitImages(ctx context.Context, perImage time.Duration) error
	// Measure returns the bounding box of the first element matching selector.
	Measure(ctx context.Context, selector string) (Box, error)
	// Resize sets the viewport to box at the given device pixel ratio with
	// a transparent background.
	Resize(ctx context.Context, box Box, scale float64) error
	// Capture returns a PNG of box.
	Capture(ctx context.Context, box Box) ([]byte, error)
	// Reset clears the document so the session can be reused.
	Reset(ctx context.Context) error
	Close() error
}
