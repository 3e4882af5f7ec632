// Package chat holds the state of the chat surface: the message list, the
// draft being composed, the phone capture dialog and per-message playback.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Author string

const (
	AuthorUser Author = "user"
	AuthorPeer Author = "peer"
)

// DefaultPeerPlaceholder is the text of a simulated incoming reply.
const DefaultPeerPlaceholder = "The other party's recognized speech appears here"

// DefaultCallDelay is how long the phone dialog stays in the calling state.
const DefaultCallDelay = 2500 * time.Millisecond

type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Author Author `json:"author"`
}

var (
	ErrEmptyDraft     = errors.New("draft is empty")
	ErrEmptyPhone     = errors.New("phone number is empty")
	ErrDialogOpen     = errors.New("phone dialog is still open")
	ErrBusy           = errors.New("playback already in progress for message")
	ErrUnknownMessage = errors.New("unknown message")
	ErrStopped        = errors.New("playback stopped before audio arrived")
	ErrNoSpeaker      = errors.New("no speaker configured")
)

// Speaker turns text into playable audio.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Options configures a Surface. Speaker is required for Listen; every other
// field has a default.
type Options struct {
	Speaker         Speaker
	Sink            Sink
	CallDelay       time.Duration
	PeerPlaceholder string
	NewID           func() string
}

// Surface is safe for concurrent use.
type Surface struct {
	opts Options

	mu           sync.Mutex
	messages     []Message
	draft        string
	phone        string
	dialogOpen   bool
	calling      bool
	callTimer    *time.Timer
	dialogClosed chan struct{}
	busy         map[string]bool
	current      *Playback
	// stops counts Stop calls; a Listen whose fetch spans a Stop is dropped.
	stops uint64
}

func NewSurface(opts Options) *Surface {
	if opts.CallDelay <= 0 {
		opts.CallDelay = DefaultCallDelay
	}
	if opts.PeerPlaceholder == "" {
		opts.PeerPlaceholder = DefaultPeerPlaceholder
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Sink == nil {
		opts.Sink = WAVSink{}
	}
	return &Surface{
		opts:         opts,
		dialogOpen:   true,
		dialogClosed: make(chan struct{}),
		busy:         make(map[string]bool),
	}
}

// Messages returns a copy of the message list in submission order.
func (s *Surface) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Surface) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Surface) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Submit appends the trimmed draft as a user message and clears the draft.
// A blank draft leaves everything unchanged and returns ErrEmptyDraft.
func (s *Surface) Submit() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialogOpen {
		return Message{}, ErrDialogOpen
	}
	trimmed := strings.TrimSpace(s.draft)
	if trimmed == "" {
		return Message{}, ErrEmptyDraft
	}
	msg := Message{ID: s.opts.NewID(), Text: trimmed, Author: AuthorUser}
	s.messages = append(s.messages, msg)
	s.draft = ""
	return msg, nil
}

// SimulateReply appends the placeholder peer message.
func (s *Surface) SimulateReply() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialogOpen {
		return Message{}, ErrDialogOpen
	}
	msg := Message{ID: s.opts.NewID(), Text: s.opts.PeerPlaceholder, Author: AuthorPeer}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *Surface) SetPhone(phone string) {
	s.mu.Lock()
	s.phone = phone
	s.mu.Unlock()
}

// Call starts the mock call. After CallDelay the dialog closes whatever the
// number was. Calling again while a call is pending is a no-op.
func (s *Surface) Call() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dialogOpen || s.calling {
		return nil
	}
	if strings.TrimSpace(s.phone) == "" {
		return ErrEmptyPhone
	}
	s.calling = true
	s.callTimer = time.AfterFunc(s.opts.CallDelay, s.closeDialog)
	return nil
}

func (s *Surface) closeDialog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dialogOpen {
		return
	}
	s.calling = false
	s.dialogOpen = false
	s.callTimer = nil
	close(s.dialogClosed)
}

func (s *Surface) DialogOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialogOpen
}

func (s *Surface) Calling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calling
}

// DialogClosed is closed once the phone dialog has been dismissed.
func (s *Surface) DialogClosed() <-chan struct{} {
	return s.dialogClosed
}

// Busy reports whether a playback request for id is outstanding.
func (s *Surface) Busy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[id]
}

// Listen fetches audio for message id and starts playing it. The returned
// Playback belongs to the caller; the surface only stops it when another
// playback replaces it or Stop is called. Errors leave the message idle.
func (s *Surface) Listen(ctx context.Context, id string) (*Playback, error) {
	if s.opts.Speaker == nil {
		return nil, ErrNoSpeaker
	}
	s.mu.Lock()
	if s.dialogOpen {
		s.mu.Unlock()
		return nil, ErrDialogOpen
	}
	msg, ok := s.find(id)
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownMessage
	}
	if s.busy[id] {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy[id] = true
	generation := s.stops
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	prev.Stop()

	audio, err := s.opts.Speaker.Speak(ctx, msg.Text)
	if err != nil {
		s.clearBusy(id)
		return nil, err
	}

	p := newPlayback(id, audio)
	p.onRelease = func() { s.release(p) }

	s.mu.Lock()
	if s.stops != generation {
		delete(s.busy, id)
		s.mu.Unlock()
		return nil, ErrStopped
	}
	prev = s.current
	s.current = p
	s.mu.Unlock()
	prev.Stop()

	go p.run(s.opts.Sink)
	return p, nil
}

func (s *Surface) find(id string) (Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (s *Surface) clearBusy(id string) {
	s.mu.Lock()
	delete(s.busy, id)
	s.mu.Unlock()
}

func (s *Surface) release(p *Playback) {
	s.mu.Lock()
	delete(s.busy, p.MessageID)
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()
}

// Playing returns the message id of the active playback, if any.
func (s *Surface) Playing() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.MessageID, true
}

// Stop ends the active playback and discards every Listen still waiting for
// audio; those return ErrStopped.
func (s *Surface) Stop() {
	s.mu.Lock()
	s.stops++
	p := s.current
	s.current = nil
	s.mu.Unlock()
	p.Stop()
}

// Close cancels the pending call timer and stops all playback.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.callTimer != nil {
		s.callTimer.Stop()
		s.callTimer = nil
	}
	s.mu.Unlock()
	s.Stop()
}
