// Package capture tails the application-under-test's log file during a run
// so report entries can show what the server said while a step executed.
// Lines are stamped with arrival time on our side; correlation to steps is a
// plain time-window query, so clock skew between the framework and the
// application shifts the window but never drops a run.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

// maxBufferedLines bounds memory when the application logs heavily; the
// oldest lines beyond the cap are dropped, newest kept, since correlation
// targets the currently executing step.
const maxBufferedLines = 5000

// Tailer follows one log file from its current end and buffers timestamped
// lines for window queries.
type Tailer struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	lines   []schemas.ServerLogLine
	dropped int

	t    *tail.Tail
	done chan struct{}
}

// NewTailer prepares a tailer for the given file. Nothing is opened until
// Start.
func NewTailer(path string, logger *zap.Logger) *Tailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		path:   path,
		logger: logger.Named("logtail"),
		done:   make(chan struct{}),
	}
}

// Start begins following the file from its end. Historic content is skipped:
// only lines the application writes during the run matter for correlation.
func (tl *Tailer) Start(ctx context.Context) error {
	t, err := tail.TailFile(tl.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tailing server log %s: %w", tl.path, err)
	}
	tl.t = t
	tl.logger.Info("Tailing application log.", zap.String("path", tl.path))

	go tl.collect(ctx)
	return nil
}

func (tl *Tailer) collect(ctx context.Context) {
	defer close(tl.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-tl.t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				tl.logger.Warn("Error reading server log line.", zap.Error(line.Err))
				continue
			}
			tl.append(line.Text)
		}
	}
}

func (tl *Tailer) append(text string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.lines) >= maxBufferedLines {
		tl.lines = tl.lines[1:]
		tl.dropped++
	}
	tl.lines = append(tl.lines, schemas.ServerLogLine{Line: text, SeenAt: time.Now()})
}

// Between returns the lines that arrived inside [start, end], stamped with
// the given step index. The result is a copy; the buffer keeps accumulating.
func (tl *Tailer) Between(start, end time.Time, stepIndex int) []schemas.ServerLogLine {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var out []schemas.ServerLogLine
	for _, l := range tl.lines {
		if l.SeenAt.Before(start) || l.SeenAt.After(end) {
			continue
		}
		l.StepIndex = stepIndex
		out = append(out, l)
	}
	return out
}

// Stop terminates the tail and waits for the collector goroutine to exit.
func (tl *Tailer) Stop() {
	if tl.t == nil {
		return
	}
	if err := tl.t.Stop(); err != nil {
		tl.logger.Debug("Tail stop reported an error.", zap.Error(err))
	}
	tl.t.Cleanup()
	<-tl.done

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.dropped > 0 {
		tl.logger.Warn("Server log buffer overflowed; oldest lines dropped.", zap.Int("dropped", tl.dropped))
	}
}
