// Package room is the boundary to the real-time voice provider. The call
// session only sees participants appearing, disappearing and the local
// connection dropping; everything about media transport stays behind Engine.
package room

import (
	"context"
	"sync"
)

type EventKind int

const (
	EventUserJoined EventKind = iota
	EventUserLeft
	EventStreamAdded
	EventStreamRemoved
	// EventDisconnected reports that the local connection to the room was lost.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventUserJoined:
		return "user-joined"
	case EventUserLeft:
		return "user-left"
	case EventStreamAdded:
		return "stream-added"
	case EventStreamRemoved:
		return "stream-removed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	UserID   string
	StreamID string
	Err      error
}

type EventHandler func(Event)

type LoginParams struct {
	RoomID string
	Token  string
	UserID string
}

type StreamConfig struct {
	Audio bool
	Video bool
}

// Engine is one provider connection for one call attempt.
//
// Subscribe must be called before Login so no room event is lost between
// joining and listening. Handlers may be invoked from any goroutine.
type Engine interface {
	Subscribe(h EventHandler)
	Login(ctx context.Context, p LoginParams) error
	CreateStream(ctx context.Context, cfg StreamConfig) (*LocalStream, error)
	Publish(ctx context.Context, streamID string, stream *LocalStream) error
	PlayStream(ctx context.Context, streamID string) error
	Logout(ctx context.Context) error
	Destroy()
}

// Track is one local media track.
type Track struct {
	kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func NewTrack(kind string) *Track {
	return &Track{kind: kind, enabled: true}
}

func (t *Track) Kind() string { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.enabled = false
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// LocalStream groups the outgoing tracks created by CreateStream.
type LocalStream struct {
	tracks []*Track
}

func NewLocalStream(cfg StreamConfig) *LocalStream {
	s := &LocalStream{}
	if cfg.Audio {
		s.tracks = append(s.tracks, NewTrack("audio"))
	}
	if cfg.Video {
		s.tracks = append(s.tracks, NewTrack("video"))
	}
	return s
}

func (s *LocalStream) Tracks() []*Track {
	return s.tracks
}

func (s *LocalStream) AudioTracks() []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == "audio" {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track of the stream.
func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
