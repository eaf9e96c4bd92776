// Package dispatch delivers rendered posts to the enabled output channels.
// Channels are a fixed set of variants behind one Post capability, and the
// dispatcher's central contract is isolation: one channel failing can never
// stop the attempt on another, nor abort the run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Post is content ready for delivery. Built fresh per dispatch cycle and
// never persisted.
type Post struct {
	Text     string
	MediaURL string
}

// ErrDuplicate marks a channel response saying this content was already
// posted. Callers treat it as an idempotent success, not a failure.
var ErrDuplicate = errors.New("duplicate content")

// ChannelError records a failed post on a named channel. It is collected
// and reported, never propagated as a run failure.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", e.Channel, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// Status is the recorded result of one channel attempt.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDuplicate Status = "duplicate" // soft-skip, counts as success
	StatusFailed    Status = "failed"    // non-fatal
)

// Success reports whether the status counts as a delivered post.
func (s Status) Success() bool { return s == StatusSent || s == StatusDuplicate }

// Outcome is the per-channel result of a dispatch.
type Outcome struct {
	Channel string
	Status  Status
	Err     error
}

// Channel is a single output destination.
type Channel interface {
	Name() string
	Post(ctx context.Context, post Post) error
}

// Dispatcher fans a post out to every enabled channel.
type Dispatcher struct {
	channels []Channel
}

// NewDispatcher creates a dispatcher over the given channels. Zero
// channels is valid; Send then reports nothing.
func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels}
}

// Send attempts delivery on each channel independently and returns one
// outcome per channel. Errors are captured in the outcomes; Send itself
// never fails.
func (d *Dispatcher) Send(ctx context.Context, post Post) []Outcome {
	outcomes := make([]Outcome, 0, len(d.channels))
	for _, ch := range d.channels {
		outcomes = append(outcomes, d.sendOne(ctx, ch, post))
	}
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, post Post) Outcome {
	err := ch.Post(ctx, post)
	switch {
	case err == nil:
		slog.Info("posted", "channel", ch.Name())
		return Outcome{Channel: ch.Name(), Status: StatusSent}
	case errors.Is(err, ErrDuplicate):
		slog.Info("duplicate content, skipping", "channel", ch.Name())
		return Outcome{Channel: ch.Name(), Status: StatusDuplicate}
	default:
		cerr := &ChannelError{Channel: ch.Name(), Err: err}
		slog.Warn("channel post failed", "channel", ch.Name(), "error", err)
		return Outcome{Channel: ch.Name(), Status: StatusFailed, Err: cerr}
	}
}
