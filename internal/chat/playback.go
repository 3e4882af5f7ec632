package chat

import (
	"context"
	"errors"
	"sync"
)

// Playback is one playback of one message's audio. It is released exactly
// once, when the sink finishes, fails or is stopped.
type Playback struct {
	MessageID string
	Audio     []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	err       error
	onRelease func()
}

func newPlayback(messageID string, audio []byte) *Playback {
	ctx, cancel := context.WithCancel(context.Background())
	return &Playback{
		MessageID: messageID,
		Audio:     audio,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (p *Playback) run(sink Sink) {
	err := sink.Play(p.ctx, p.Audio)
	if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
		err = nil
	}
	p.finish(err)
}

func (p *Playback) finish(err error) {
	p.once.Do(func() {
		p.err = err
		p.cancel()
		if p.onRelease != nil {
			p.onRelease()
		}
		close(p.done)
	})
}

// Stop asks the sink to end playback. Safe to call on a nil Playback and
// more than once.
func (p *Playback) Stop() {
	if p == nil {
		return
	}
	p.cancel()
}

// Done is closed once the playback has been released.
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until release and returns the sink error. A stopped playback
// reports nil.
func (p *Playback) Wait() error {
	<-p.done
	return p.err
}
