// Package router fans one bot's normalized media stream out to
// registered sinks. Each sink gets its own bounded queue and worker
// goroutine; a slow or failed sink drops frames or goes degraded
// without stalling the capture path or the other sinks.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/adapter"
	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/pcm"
)

// Stats is a point-in-time snapshot of router activity.
type Stats struct {
	TotalItems    uint64
	DroppedItems  uint64
	ActiveSinks   int
	SelectedTrack string
	LastItemTime  time.Time
}

type sinkWorker struct {
	sink  Sink
	queue chan Item
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	failed bool
}

// send queues an item without blocking. It reports false when the
// queue is full, the worker has failed or the sink was removed.
func (w *sinkWorker) send(item Item, logger *logrus.Entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.failed {
		return false
	}
	select {
	case w.queue <- item:
		return true
	default:
		logger.Warnf("Dropping %s item for sink %s (queue full)", item.Kind, w.sink.Name())
		return false
	}
}

func (w *sinkWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

func (w *sinkWorker) fail() {
	w.mu.Lock()
	w.failed = true
	w.mu.Unlock()
}

// Router routes one bot's media and events to its sinks.
type Router struct {
	botID  string
	logger *logrus.Entry

	queueSize int

	mu     sync.RWMutex
	sinks  map[string]*sinkWorker
	closed bool

	// Caption and selector state is only touched from the publishing
	// goroutine, no lock needed.
	captions map[int64]int64
	selector *trackSelector

	degraded chan DegradedEvent

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Router.
type Option func(*Router)

// WithQueueSize sets the per-sink queue depth.
func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// New creates a router for one bot.
func New(botID string, opts ...Option) *Router {
	r := &Router{
		botID:     botID,
		logger:    log.WithBot(botID).WithField("component", "router"),
		queueSize: 128,
		sinks:     make(map[string]*sinkWorker),
		captions:  make(map[int64]int64),
		selector:  newTrackSelector(),
		degraded:  make(chan DegradedEvent, 16),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSink registers a sink and starts its worker. Safe to call while
// the router is publishing; a consumer attaching mid-meeting starts
// receiving from the next item.
func (r *Router) AddSink(s Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("router closed")
	}
	if _, ok := r.sinks[s.Name()]; ok {
		return fmt.Errorf("sink %s already registered", s.Name())
	}
	w := &sinkWorker{
		sink:  s,
		queue: make(chan Item, r.queueSize),
		done:  make(chan struct{}),
	}
	r.sinks[s.Name()] = w
	go r.runWorker(w)
	r.logger.Infof("Sink %s attached (queue %d)", s.Name(), r.queueSize)
	return nil
}

// RemoveSink detaches a sink, drains its queue and flushes it.
func (r *Router) RemoveSink(name string) {
	r.mu.Lock()
	w, ok := r.sinks[name]
	if ok {
		delete(r.sinks, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	w.close()
	<-w.done
	r.logger.Infof("Sink %s detached", name)
}

func (r *Router) runWorker(w *sinkWorker) {
	defer close(w.done)
	name := w.sink.Name()
	for item := range w.queue {
		w.mu.Lock()
		failed := w.failed
		w.mu.Unlock()
		if failed {
			releaseItem(item)
			continue
		}
		err := w.sink.Consume(item)
		releaseItem(item)
		if err != nil {
			w.fail()
			r.logger.WithError(err).Errorf("Sink %s failed, marking degraded", name)
			r.reportDegraded(name, err)
			continue
		}
		metrics.FramesRouted.WithLabelValues(name).Inc()
	}
	if err := w.sink.Flush(); err != nil {
		r.logger.WithError(err).Errorf("Sink %s flush failed", name)
		r.reportDegraded(name, err)
	}
}

func (r *Router) reportDegraded(name string, err error) {
	select {
	case r.degraded <- DegradedEvent{Sink: name, Err: err}:
	default:
		r.logger.Warnf("Degraded event for sink %s dropped (channel full)", name)
	}
}

// Degraded delivers sink failures to the session layer.
func (r *Router) Degraded() <-chan DegradedEvent {
	return r.degraded
}

func (r *Router) workers(kind ItemKind) []*sinkWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	out := make([]*sinkWorker, 0, len(r.sinks))
	for _, w := range r.sinks {
		if w.sink.Wants(kind) {
			out = append(out, w)
		}
	}
	return out
}

// PublishAudio fans an audio frame out, resampling once per distinct
// sink rate. Each sink gets its own pooled copy so the capture frame is
// free for reuse the moment this call returns; the worker recycles the
// copy once the sink has consumed it.
func (r *Router) PublishAudio(frame *adapter.AudioFrame) {
	workers := r.workers(ItemAudio)
	if len(workers) == 0 {
		return
	}
	resampled := map[int][]byte{frame.SampleRate: frame.Data}
	for _, w := range workers {
		rate := w.sink.AudioRate()
		if rate == 0 {
			rate = frame.SampleRate
		}
		data, ok := resampled[rate]
		if !ok {
			var err error
			data, err = pcm.Resample(frame.Data, frame.SampleRate, rate)
			if err != nil {
				r.logger.WithError(err).Warnf("Cannot resample %d -> %d Hz", frame.SampleRate, rate)
				continue
			}
			resampled[rate] = data
		}
		buf := pcm.GetBuffer(len(data))
		copy(buf, data)
		item := Item{Kind: ItemAudio, Audio: &AudioItem{
			UserID:      frame.UserID,
			TimestampUs: frame.TimestampUs,
			SampleRate:  rate,
			Data:        buf,
		}}
		if !r.deliver(w, item) {
			pcm.PutBuffer(buf)
		}
	}
}

// releaseItem returns an item's pooled audio buffer once its sink is
// done with it.
func releaseItem(item Item) {
	if item.Kind == ItemAudio && item.Audio != nil {
		pcm.PutBuffer(item.Audio.Data)
	}
}

// PublishVideo delivers a raw video frame when it belongs to the
// currently selected track. Frames from unselected tracks are ignored,
// not counted as drops.
func (r *Router) PublishVideo(frame *adapter.VideoFrame) {
	if !r.selector.selected(frame.StreamID) {
		return
	}
	item := Item{Kind: ItemVideo, Video: frame}
	for _, w := range r.workers(ItemVideo) {
		r.deliver(w, item)
	}
}

// PublishCaption forwards a caption unless an equal or higher version
// of the same caption id was already routed.
func (r *Router) PublishCaption(c *bot.CaptionEvent) {
	if seen, ok := r.captions[c.CaptionID]; ok && c.Version <= seen {
		return
	}
	r.captions[c.CaptionID] = c.Version
	item := Item{Kind: ItemCaption, Caption: c}
	for _, w := range r.workers(ItemCaption) {
		r.deliver(w, item)
	}
}

// PublishChat forwards a chat message to interested sinks.
func (r *Router) PublishChat(m *bot.ChatMessage) {
	item := Item{Kind: ItemChat, Chat: m}
	for _, w := range r.workers(ItemChat) {
		r.deliver(w, item)
	}
}

// PublishChunk forwards an encoded media chunk to interested sinks.
func (r *Router) PublishChunk(chunk []byte) {
	item := Item{Kind: ItemChunk, Chunk: chunk}
	for _, w := range r.workers(ItemChunk) {
		r.deliver(w, item)
	}
}

// UpdateOutputs feeds a device outputs snapshot into track selection.
// It reports whether the selected track changed.
func (r *Router) UpdateOutputs(outputs []adapter.DeviceOutput) bool {
	changed := r.selector.update(outputs)
	if changed {
		r.logger.Infof("Selected track is now %q", r.selector.current)
		r.statsMu.Lock()
		r.stats.SelectedTrack = r.selector.current
		r.statsMu.Unlock()
	}
	return changed
}

func (r *Router) deliver(w *sinkWorker, item Item) bool {
	sent := w.send(item, r.logger)
	r.statsMu.Lock()
	r.stats.TotalItems++
	if !sent {
		r.stats.DroppedItems++
	}
	r.stats.LastItemTime = time.Now()
	r.statsMu.Unlock()
	if !sent {
		metrics.FramesDropped.WithLabelValues(w.sink.Name()).Inc()
	}
	return sent
}

// Stats snapshots router counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	s := r.stats
	r.statsMu.Unlock()
	r.mu.RLock()
	s.ActiveSinks = len(r.sinks)
	r.mu.RUnlock()
	return s
}

// Close stops accepting items, drains every sink queue and waits for
// all flushes to finish or ctx to expire. The first flush or consume
// failure observed during shutdown is returned; the session treats a
// clean Close as every sink having completed.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := make([]*sinkWorker, 0, len(r.sinks))
	for _, w := range r.sinks {
		workers = append(workers, w)
	}
	r.sinks = make(map[string]*sinkWorker)
	r.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("router close: %w", ctx.Err())
		}
	}

	var err error
drain:
	for {
		select {
		case ev := <-r.degraded:
			if err == nil {
				err = fmt.Errorf("sink %s: %w", ev.Sink, ev.Err)
			}
		default:
			break drain
		}
	}
	return err
}
