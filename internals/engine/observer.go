package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AudioLevelObserverOptions tunes active-speaker detection.
// Threshold is in dBov (negative; louder is closer to zero).
type AudioLevelObserverOptions struct {
	Interval   time.Duration
	Threshold  int
	MaxEntries int
}

func (o *AudioLevelObserverOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Threshold == 0 {
		o.Threshold = -60
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 2
	}
}

// Volume is one dominant producer in a tick, attributed to its peer.
type Volume struct {
	ProducerID string
	UserID     string
	Level      int // dBov
}

type speakerState struct {
	producer   *Producer
	level      int
	lastReport time.Time
}

// AudioLevelObserver samples registered audio producers on a fixed
// interval, applies the loudness threshold, and yields at most
// MaxEntries dominant producers. Ticks never overlap: if a broadcast
// from the previous tick is still in flight the tick is skipped.
type AudioLevelObserver struct {
	opts   AudioLevelObserverOptions
	logger *zap.Logger

	mu         sync.Mutex
	speakers   map[string]*speakerState
	onVolumes  func([]Volume)
	onSilence  func()
	lastActive bool

	busy   atomic.Bool
	stop   chan struct{}
	stopMu sync.Once
}

func newAudioLevelObserver(opts AudioLevelObserverOptions, logger *zap.Logger) *AudioLevelObserver {
	opts.withDefaults()
	return &AudioLevelObserver{
		opts:     opts,
		logger:   logger,
		speakers: make(map[string]*speakerState),
		stop:     make(chan struct{}),
	}
}

// OnVolumes registers the handler receiving each tick's dominant set.
func (o *AudioLevelObserver) OnVolumes(fn func([]Volume)) {
	o.mu.Lock()
	o.onVolumes = fn
	o.mu.Unlock()
}

// OnSilence registers the handler fired when the room falls silent.
func (o *AudioLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = fn
	o.mu.Unlock()
}

// AddProducer registers an audio producer for observation. Adding the
// same producer twice is an error.
func (o *AudioLevelObserver) AddProducer(p *Producer) error {
	if p.Kind != KindAudio {
		return fmt.Errorf("audio level observer only accepts audio producers, got %s", p.Kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.speakers[p.ID]; exists {
		return fmt.Errorf("producer %s already observed", p.ID)
	}
	o.speakers[p.ID] = &speakerState{producer: p, level: -127}
	p.setLevelSink(o.report)
	return nil
}

// RemoveProducer deregisters a producer. Removing an unknown or
// already-removed producer is a no-op, so teardown paths can call it
// unconditionally.
func (o *AudioLevelObserver) RemoveProducer(producerID string) {
	o.mu.Lock()
	state, ok := o.speakers[producerID]
	if ok {
		delete(o.speakers, producerID)
	}
	o.mu.Unlock()
	if ok {
		state.producer.setLevelSink(nil)
	}
}

func (o *AudioLevelObserver) report(producerID string, dBov int) {
	o.mu.Lock()
	if state, ok := o.speakers[producerID]; ok {
		state.level = dBov
		state.lastReport = time.Now()
	}
	o.mu.Unlock()
}

// Start runs the sampling loop until ctx is done or Close is called.
func (o *AudioLevelObserver) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				if !o.busy.CompareAndSwap(false, true) {
					o.logger.Debug("Skipping audio level tick, previous broadcast still in flight")
					continue
				}
				go func() {
					defer o.busy.Store(false)
					o.tick(time.Now())
				}()
			}
		}
	}()
}

func (o *AudioLevelObserver) tick(now time.Time) {
	staleAfter := 2 * o.opts.Interval

	o.mu.Lock()
	dominant := make([]Volume, 0, len(o.speakers))
	for id, state := range o.speakers {
		if state.lastReport.IsZero() || now.Sub(state.lastReport) > staleAfter {
			continue
		}
		if state.level < o.opts.Threshold {
			continue
		}
		dominant = append(dominant, Volume{
			ProducerID: id,
			UserID:     state.producer.AppData.UserID,
			Level:      state.level,
		})
	}
	sort.Slice(dominant, func(i, j int) bool { return dominant[i].Level > dominant[j].Level })
	if len(dominant) > o.opts.MaxEntries {
		dominant = dominant[:o.opts.MaxEntries]
	}

	onVolumes := o.onVolumes
	onSilence := o.onSilence
	wasActive := o.lastActive
	o.lastActive = len(dominant) > 0
	o.mu.Unlock()

	switch {
	case len(dominant) > 0:
		if onVolumes != nil {
			onVolumes(dominant)
		}
	case wasActive:
		if onSilence != nil {
			onSilence()
		}
	}
}

// Close stops the loop and drops all registrations.
func (o *AudioLevelObserver) Close() {
	o.stopMu.Do(func() { close(o.stop) })
	o.mu.Lock()
	for id, state := range o.speakers {
		state.producer.setLevelSink(nil)
		delete(o.speakers, id)
	}
	o.mu.Unlock()
}
