package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

var archiveJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Caps keep a chatty page from growing the recorder without bound.
	maxConsoleEntries = 1000
	maxNetworkEvents  = 2000
	maxBodyBytes      = 32 * 1024

	networkIdleCheckFrequency = 100 * time.Millisecond
)

// Recorder captures browser console output and network traffic for one tab.
// Events arrive on chromedp's event goroutine; all state is mutex guarded.
// The capture is metadata first: bodies stay in the browser until fetched on
// demand for error responses, and the archives written at the end of a suite
// are brotli-compressed JSON event streams.
type Recorder struct {
	logger         *zap.Logger
	captureConsole bool
	captureNetwork bool

	mu         sync.RWMutex
	console    []schemas.ConsoleEntry
	events     map[network.RequestID]*schemas.NetworkEvent
	order      []network.RequestID
	activeReqs int
	dropped    int
	stopped    bool
}

// newRecorder attaches listeners to the tab context. Listeners stay attached
// for the tab's lifetime; Stop only stops recording.
func newRecorder(tabCtx context.Context, cfg config.CaptureConfig, logger *zap.Logger) *Recorder {
	r := &Recorder{
		logger:         logger.Named("recorder"),
		captureConsole: cfg.Console,
		captureNetwork: cfg.Network,
		events:         make(map[network.RequestID]*schemas.NetworkEvent),
	}
	if !r.captureConsole && !r.captureNetwork {
		return r
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			r.handleConsoleAPICalled(e)
		case *cdplog.EventEntryAdded:
			r.handleLogEntryAdded(e)
		case *network.EventRequestWillBeSent:
			r.handleRequestWillBeSent(e)
		case *network.EventResponseReceived:
			r.handleResponseReceived(e)
		case *network.EventLoadingFinished:
			r.handleLoadingFinished(e)
		case *network.EventLoadingFailed:
			r.handleLoadingFailed(e)
		}
	})
	return r
}

// enableActions returns the CDP domain enables the recorder needs. They must
// run before the first navigation.
func (r *Recorder) enableActions() []chromedp.Action {
	var acts []chromedp.Action
	if r.captureNetwork {
		acts = append(acts, network.Enable())
	}
	if r.captureConsole {
		acts = append(acts, cdplog.Enable())
	}
	return acts
}

// Stop freezes the recorder; later events are dropped.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.dropped > 0 {
		r.logger.Debug("Recorder dropped events over capacity.", zap.Int("dropped", r.dropped))
	}
}

func (r *Recorder) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	if !r.captureConsole {
		return
	}
	var textBuilder strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			textBuilder.WriteString(" ")
		}
		var val interface{}
		if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
			textBuilder.WriteString(fmt.Sprintf("%v", val))
		} else if arg.Description != "" {
			textBuilder.WriteString(arg.Description)
		} else {
			textBuilder.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}

	r.appendConsole(schemas.ConsoleEntry{
		Level:     string(e.Type),
		Text:      textBuilder.String(),
		Timestamp: e.Timestamp.Time(),
	})
}

func (r *Recorder) handleLogEntryAdded(e *cdplog.EventEntryAdded) {
	if !r.captureConsole || e.Entry == nil {
		return
	}
	r.appendConsole(schemas.ConsoleEntry{
		Level:     string(e.Entry.Level),
		Text:      e.Entry.Text,
		URL:       e.Entry.URL,
		Timestamp: e.Entry.Timestamp.Time(),
	})
}

func (r *Recorder) appendConsole(entry schemas.ConsoleEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if len(r.console) >= maxConsoleEntries {
		r.dropped++
		return
	}
	r.console = append(r.console, entry)
}

func (r *Recorder) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if !r.captureNetwork || e.Request == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeReqs++
	if r.stopped {
		return
	}
	if _, exists := r.events[e.RequestID]; exists {
		// Redirect chains re-announce the same request ID; keep the original.
		return
	}
	if len(r.order) >= maxNetworkEvents {
		r.dropped++
		return
	}
	ev := &schemas.NetworkEvent{
		RequestID: string(e.RequestID),
		Method:    e.Request.Method,
		URL:       e.Request.URL,
		StartedAt: e.WallTime.Time(),
	}
	r.events[e.RequestID] = ev
	r.order = append(r.order, e.RequestID)
}

func (r *Recorder) handleResponseReceived(e *network.EventResponseReceived) {
	if !r.captureNetwork || e.Response == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[e.RequestID]; ok {
		ev.Status = e.Response.Status
		ev.MimeType = e.Response.MimeType
		if enc, ok := e.Response.Headers["content-encoding"].(string); ok {
			ev.Encoding = enc
		}
	}
}

func (r *Recorder) handleLoadingFinished(e *network.EventLoadingFinished) {
	if !r.captureNetwork {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[e.RequestID]; ok {
		ev.BodySize = int(e.EncodedDataLength)
	}
	if r.activeReqs > 0 {
		r.activeReqs--
	}
}

func (r *Recorder) handleLoadingFailed(e *network.EventLoadingFailed) {
	if !r.captureNetwork {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[e.RequestID]; ok {
		ev.Failed = true
		ev.FailureText = e.ErrorText
	}
	if r.activeReqs > 0 {
		r.activeReqs--
	}
}

// bodyCandidates lists requests that completed with an error status and have
// no body attached yet. Requests that never completed left no body behind.
func (r *Recorder) bodyCandidates() []network.RequestID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []network.RequestID
	for _, id := range r.order {
		if ev := r.events[id]; ev.Status >= 400 && ev.Body == "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// attachBody stores a fetched response body on its event. DevTools hands most
// bodies back already decoded; payloads still carrying brotli framing are
// decoded here, and input the decoder rejects is kept raw.
func (r *Recorder) attachBody(id network.RequestID, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return
	}
	body := raw
	if strings.EqualFold(strings.TrimSpace(ev.Encoding), "br") {
		if decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw))); err == nil {
			body = decoded
		}
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
		ev.BodyTruncated = true
	}
	ev.Body = string(body)
}

// Console returns a copy of the captured console entries in arrival order.
func (r *Recorder) Console() []schemas.ConsoleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.ConsoleEntry, len(r.console))
	copy(out, r.console)
	return out
}

// Network returns a copy of the captured network events in request order.
func (r *Recorder) Network() []schemas.NetworkEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.NetworkEvent, 0, len(r.order))
	for _, id := range r.order {
		if ev, ok := r.events[id]; ok {
			out = append(out, *ev)
		}
	}
	return out
}

// Summary condenses the network capture for the report. Full events ride
// along only for requests that failed outright or answered with an error
// status; those are the ones carrying fetched bodies.
func (r *Recorder) Summary() schemas.NetworkSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := schemas.NetworkSummary{Requests: len(r.order)}
	for _, id := range r.order {
		ev := r.events[id]
		if ev.Status > 0 {
			sum.Responses++
		}
		if ev.Failed || ev.Status >= 400 {
			sum.Failures = append(sum.Failures, *ev)
		}
	}
	return sum
}

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
// Adapted timer discipline: the timer only runs while the network is idle and
// is stopped the moment a request starts.
func (r *Recorder) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if !r.captureNetwork {
		// Without network events there is nothing to observe.
		select {
		case <-time.After(quietPeriod):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(quietPeriod)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false
	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mu.RLock()
			active := r.activeReqs
			r.mu.RUnlock()

			if active > 0 {
				if isIdle {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					isIdle = false
				}
			} else if !isIdle {
				timer.Reset(quietPeriod)
				isIdle = true
			}
		case <-timer.C:
			return nil
		}
	}
}

// WriteArchive persists the captured streams as brotli-compressed JSON files
// alongside the run's other artifacts.
func (r *Recorder) WriteArchive(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	if r.captureConsole {
		if err := writeBrotliJSON(filepath.Join(dir, "console.json.br"), r.Console()); err != nil {
			return fmt.Errorf("archiving console stream: %w", err)
		}
	}
	if r.captureNetwork {
		if err := writeBrotliJSON(filepath.Join(dir, "network.json.br"), r.Network()); err != nil {
			return fmt.Errorf("archiving network stream: %w", err)
		}
	}
	return nil
}

func writeBrotliJSON(path string, v interface{}) error {
	data, err := archiveJSON.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := brotli.NewWriterLevel(f, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
