package mock

import (
	"context"
	"sync"

	"github.com/confabrtc/confab/internals/engine"
)

type AudioLevelObserver struct {
	router *Router

	mu        sync.Mutex
	closed    bool
	producers map[string]bool
	onVolumes []func([]engine.AudioLevelVolume)
	onSilence []func()
}

func (o *AudioLevelObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *AudioLevelObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *AudioLevelObserver) AddProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errClosed("audio level observer")
	}
	// Duplicate adds are tolerated, like the real observer.
	o.producers[producerID] = true
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errClosed("audio level observer")
	}
	delete(o.producers, producerID)
	return nil
}

func (o *AudioLevelObserver) OnVolumes(fn func([]engine.AudioLevelVolume)) {
	o.mu.Lock()
	o.onVolumes = append(o.onVolumes, fn)
	o.mu.Unlock()
}

func (o *AudioLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = append(o.onSilence, fn)
	o.mu.Unlock()
}

// TriggerVolumes injects a periodic volumes report. Test hook.
func (o *AudioLevelObserver) TriggerVolumes(volumes []engine.AudioLevelVolume) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	fns := append([]func([]engine.AudioLevelVolume){}, o.onVolumes...)
	o.mu.Unlock()

	for _, fn := range fns {
		fn(volumes)
	}
}

// TriggerSilence injects a silence event. Test hook.
func (o *AudioLevelObserver) TriggerSilence() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	fns := append([]func(){}, o.onSilence...)
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// HasProducer reports whether a producer has been added. Test hook.
func (o *AudioLevelObserver) HasProducer(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[producerID]
}

type ActiveSpeakerObserver struct {
	router *Router

	mu                sync.Mutex
	closed            bool
	producers         map[string]bool
	onDominantSpeaker []func(engine.Producer)
}

func (o *ActiveSpeakerObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *ActiveSpeakerObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *ActiveSpeakerObserver) AddProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errClosed("active speaker observer")
	}
	o.producers[producerID] = true
	return nil
}

func (o *ActiveSpeakerObserver) OnDominantSpeaker(fn func(engine.Producer)) {
	o.mu.Lock()
	o.onDominantSpeaker = append(o.onDominantSpeaker, fn)
	o.mu.Unlock()
}

// TriggerDominantSpeaker injects a dominant speaker event. Test hook.
func (o *ActiveSpeakerObserver) TriggerDominantSpeaker(p engine.Producer) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	fns := append([]func(engine.Producer){}, o.onDominantSpeaker...)
	o.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}
