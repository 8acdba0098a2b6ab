// SPDX-License-Identifier: MIT
/*
Package sink appends spectral frames to one text file per channel.

A Registry creates a channel writer the first time a frame is written to a
key. Every writer owns an unbounded queue and a worker goroutine, so callers
never wait on disk: Write and WriteEndMarker only enqueue. Operations on one
key are applied in call order; different keys proceed independently.

An I/O failure marks the writer degraded. Later operations for that key are
dropped and counted; other keys are unaffected.
*/
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"specrec/internal/backpressure"
	applog "specrec/internal/log"
	"specrec/internal/spectral"
)

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("sink: registry closed")

// OpenFunc opens the append target for a channel file.
type OpenFunc func(path string) (io.WriteCloser, error)

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeleteOnClose removes every channel file when the registry closes.
func WithDeleteOnClose(enabled bool) Option {
	return func(r *Registry) { r.deleteOnClose = enabled }
}

// WithOpenFunc replaces the function used to open channel files.
func WithOpenFunc(open OpenFunc) Option {
	return func(r *Registry) { r.open = open }
}

// WriterStats counts the operations applied to one channel.
type WriterStats struct {
	Path       string `json:"path"`
	Frames     uint64 `json:"frames"`
	EndMarkers uint64 `json:"end_markers"`
	Dropped    uint64 `json:"dropped"`
	Bytes      uint64 `json:"bytes"`
	Degraded   bool   `json:"degraded"`
}

type op struct {
	frame spectral.Frame
	end   bool
}

type channelWriter struct {
	key    ChannelKey
	path   string
	layout Layout
	open   OpenFunc
	queue  *backpressure.Branch[op]

	// Touched only by the queue worker.
	file    io.WriteCloser
	buf     *bufio.Writer
	first   bool
	scratch []byte
	err     error

	degraded   atomic.Bool
	frames     atomic.Uint64
	endMarkers atomic.Uint64
	dropped    atomic.Uint64
	bytes      atomic.Uint64
}

// Registry maps channel keys to their writers.
type Registry struct {
	dir           string
	layout        Layout
	deleteOnClose bool
	open          OpenFunc

	mu      sync.Mutex
	writers map[ChannelKey]*channelWriter
	order   []ChannelKey
	closed  bool
}

// NewRegistry creates a registry writing into dir, creating it if needed.
func NewRegistry(dir string, layout Layout, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	r := &Registry{
		dir:     dir,
		layout:  layout,
		open:    openAppend,
		writers: make(map[ChannelKey]*channelWriter),
	}
	for _, opt := range opts {
		opt(r)
	}
	applog.Debugf("Registry: Writing %s layout to %s", layout.Name, dir)
	return r, nil
}

// Dir returns the output directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the file path used for key.
func (r *Registry) Path(key ChannelKey) string {
	return filepath.Join(r.dir, key.Filename())
}

// Write queues frame for key, creating the key's writer on first use. Only
// the keys of Channels are accepted.
func (r *Registry) Write(key ChannelKey, frame spectral.Frame) error {
	if !slices.Contains(Channels, key) {
		return fmt.Errorf("unknown channel: '%s'", key)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	w, ok := r.writers[key]
	if !ok {
		w = r.newWriter(key)
		r.writers[key] = w
		r.order = append(r.order, key)
	}
	r.mu.Unlock()

	w.enqueue(op{frame: frame})
	return nil
}

// WriteEndMarker queues the closing token for key. Keys that were never
// written are left alone.
func (r *Registry) WriteEndMarker(key ChannelKey) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	w, ok := r.writers[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	w.enqueue(op{end: true})
	return nil
}

// Keys returns the keys that have a writer, in creation order.
func (r *Registry) Keys() []ChannelKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChannelKey(nil), r.order...)
}

// Stats returns per-channel counters.
func (r *Registry) Stats() map[ChannelKey]WriterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ChannelKey]WriterStats, len(r.writers))
	for k, w := range r.writers {
		out[k] = WriterStats{
			Path:       w.path,
			Frames:     w.frames.Load(),
			EndMarkers: w.endMarkers.Load(),
			Dropped:    w.dropped.Load(),
			Bytes:      w.bytes.Load(),
			Degraded:   w.degraded.Load(),
		}
	}
	return out
}

// Close drains every writer queue, then flushes and closes the files in
// creation order. Files are removed when WithDeleteOnClose is set. Closing
// twice is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	writers := make([]*channelWriter, 0, len(r.order))
	for _, k := range r.order {
		writers = append(writers, r.writers[k])
	}
	r.mu.Unlock()

	var errs []error
	for _, w := range writers {
		if err := w.close(r.deleteOnClose); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", w.key, err))
		}
	}
	applog.Debugf("Registry: Closed %d channel writers", len(writers))
	return errors.Join(errs...)
}

func (r *Registry) newWriter(key ChannelKey) *channelWriter {
	w := &channelWriter{
		key:    key,
		path:   r.Path(key),
		layout: r.layout,
		open:   r.open,
		first:  true,
	}
	w.queue = backpressure.NewBranch("sink:"+string(key), backpressure.UnboundedBuffer, w.apply)
	return w
}

func (w *channelWriter) enqueue(o op) {
	if w.degraded.Load() || !w.queue.Publish(o) {
		w.dropped.Add(1)
	}
}

// apply runs on the writer's queue worker.
func (w *channelWriter) apply(o op) {
	if w.degraded.Load() {
		w.dropped.Add(1)
		return
	}
	if w.file == nil {
		f, err := w.open(w.path)
		if err != nil {
			w.fail(fmt.Errorf("failed to open %s: %w", w.path, err))
			w.dropped.Add(1)
			return
		}
		w.file = f
		w.buf = bufio.NewWriter(f)
		applog.Infof("Registry: Opened channel %s (%s)", w.key, w.path)
	}

	b := w.scratch[:0]
	if o.end {
		if !w.first {
			b = append(b, w.layout.Closing...)
		}
		w.first = true
	} else {
		if w.first {
			b = append(b, w.layout.Opening...)
			w.first = false
		} else {
			b = append(b, w.layout.Separator...)
		}
		b = appendFrame(b, o.frame)
		b = append(b, w.layout.FrameEnd...)
	}
	w.scratch = b

	n, err := w.buf.Write(b)
	if err == nil {
		err = w.buf.Flush()
	}
	w.bytes.Add(uint64(n))
	if err != nil {
		w.fail(fmt.Errorf("failed to append to %s: %w", w.path, err))
		w.dropped.Add(1)
		return
	}
	if o.end {
		w.endMarkers.Add(1)
	} else {
		w.frames.Add(1)
	}
}

func (w *channelWriter) fail(err error) {
	w.err = err
	w.degraded.Store(true)
	applog.Errorf("Registry: Channel %s degraded: %v", w.key, err)
}

func (w *channelWriter) close(remove bool) error {
	// Drain every accepted operation before the file goes away.
	_ = w.queue.Close(context.Background())

	errs := []error{w.err}
	if w.file != nil {
		if !w.degraded.Load() {
			errs = append(errs, w.buf.Flush())
		}
		errs = append(errs, w.file.Close())
	}
	if remove {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
