// Package watcher waits for the guest's cloud-init run to finish by watching
// the console log the VM writes to the host.
package watcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Completion markers. Both must appear on the same line.
const (
	FirstMarker  = "Cloud-init v"
	SecondMarker = "finished at"
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 30 * time.Minute
)

// ErrCompletionTimeout is returned when the markers did not show up in time.
var ErrCompletionTimeout = errors.New("timed out waiting for configuration to finish")

// Watcher polls a log file for the completion line.
type Watcher struct {
	Fs           afero.Fs
	PollInterval time.Duration

	// Timeout bounds the whole wait; zero waits until ctx is done.
	Timeout time.Duration
	Log     logr.Logger

	// OnPoll, when set, is called once per read attempt.
	OnPoll func()
}

// New returns a Watcher with the default interval and timeout.
func New(fs afero.Fs, log logr.Logger) *Watcher {
	return &Watcher{
		Fs:           fs,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
		Log:          log,
	}
}

// WaitForCompletion blocks until path holds a line containing both markers.
//
// The file may not exist yet when the wait starts. It is re-read in full on
// every tick, so a marker split across two reads is still found once the
// line is complete.
func (w *Watcher) WaitForCompletion(ctx context.Context, path string) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if w.OnPoll != nil {
			w.OnPoll()
		}

		done, err := w.check(path)
		if err != nil {
			return err
		}
		if done {
			w.Log.V(1).Info("Completion markers found", "path", path)
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %v", ErrCompletionTimeout, path, w.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// check reports whether path currently contains the completion line.
// A missing file is not an error.
func (w *Watcher) check(path string) (bool, error) {
	data, err := afero.ReadFile(w.Fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Completed(data), nil
}

// Completed reports whether data has a line containing both markers.
func Completed(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, FirstMarker) && strings.Contains(line, SecondMarker) {
			return true
		}
	}
	return false
}
