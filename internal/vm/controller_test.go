package vm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(o Orchestrator, s *recordingSleep) *Controller {
	c := NewController(o, logr.Discard())
	c.Sleep = s.sleep
	return c
}

func TestCreateAndStart(t *testing.T) {
	m := newMockOrchestrator()
	c := newTestController(m, &recordingSleep{})

	req := CreateRequest{Name: "configure-vm-image", Image: "/images/disk.qcow2"}
	id, payload, err := c.CreateAndStart(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)
	assert.Equal(t, map[string]any{"instance": map[string]any{"id": "inst-1", "state": "running"}}, payload)

	assert.Equal(t, []CreateRequest{req}, m.createCalls)
	assert.Equal(t, []string{"inst-1"}, m.startCalls)
}

func TestCreateAndStart_WrappedReply(t *testing.T) {
	m := newMockOrchestrator()
	m.createFunc = func(req CreateRequest) (any, error) {
		return map[string]any{"output": map[string]any{"instance": map[string]any{"id": "wrapped"}}}, nil
	}
	c := newTestController(m, &recordingSleep{})

	id, _, err := c.CreateAndStart(context.Background(), CreateRequest{Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, "wrapped", id)
}

func TestCreateAndStart_MalformedReply(t *testing.T) {
	tests := []struct {
		name  string
		reply any
	}{
		{name: "not an object", reply: []any{"x"}},
		{name: "missing instance", reply: map[string]any{"status": "ok"}},
		{name: "instance not an object", reply: map[string]any{"instance": "inst-1"}},
		{name: "missing id", reply: map[string]any{"instance": map[string]any{"name": "n"}}},
		{name: "empty id", reply: map[string]any{"instance": map[string]any{"id": ""}}},
		{name: "empty output", reply: map[string]any{"output": map[string]any{}}},
		{name: "output not an object", reply: map[string]any{"output": "oops"}},
		{name: "error field", reply: map[string]any{"error": "quota exceeded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockOrchestrator()
			m.createFunc = func(req CreateRequest) (any, error) { return tt.reply, nil }
			c := newTestController(m, &recordingSleep{})

			id, payload, err := c.CreateAndStart(context.Background(), CreateRequest{Name: "n"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnexpectedResponse))
			assert.Empty(t, id)
			assert.Equal(t, tt.reply, payload)
			assert.Empty(t, m.startCalls, "start must not run after a bad create reply")
		})
	}
}

func TestCreateAndStart_CreateFails(t *testing.T) {
	m := newMockOrchestrator()
	m.createFunc = func(req CreateRequest) (any, error) { return nil, fmt.Errorf("name already in use") }
	c := newTestController(m, &recordingSleep{})

	_, _, err := c.CreateAndStart(context.Background(), CreateRequest{Name: "n"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name already in use")
	assert.Empty(t, m.startCalls)
}

func TestCreateAndStart_StartFails(t *testing.T) {
	m := newMockOrchestrator()
	m.startFunc = func(id string) (any, error) { return nil, fmt.Errorf("no capacity") }
	c := newTestController(m, &recordingSleep{})

	id, _, err := c.CreateAndStart(context.Background(), CreateRequest{Name: "n"})
	require.Error(t, err)
	assert.Equal(t, "inst-1", id)
}

func TestAction(t *testing.T) {
	m := newMockOrchestrator()
	c := newTestController(m, &recordingSleep{})

	_, err := c.Action(context.Background(), ActionStop, "inst-1", "--force")
	require.NoError(t, err)
	assert.Equal(t, []string{"stop inst-1 --force"}, m.actionCalls)
}

func TestWaitForShutdown(t *testing.T) {
	tests := []struct {
		name       string
		replies    []func() (any, error)
		wantErr    bool
		wantShows  int
		wantSleeps int
	}{
		{
			name:       "already shut off",
			replies:    []func() (any, error){func() (any, error) { return showReply("i", StateShutOff), nil }},
			wantShows:  1,
			wantSleeps: 0,
		},
		{
			name:       "not found counts as success",
			replies:    []func() (any, error){func() (any, error) { return nil, ErrInstanceNotFound }},
			wantShows:  1,
			wantSleeps: 0,
		},
		{
			name: "running then shut off",
			replies: []func() (any, error){
				func() (any, error) { return showReply("i", "running"), nil },
				func() (any, error) { return showReply("i", "running"), nil },
				func() (any, error) { return showReply("i", StateShutOff), nil },
			},
			wantShows:  3,
			wantSleeps: 2,
		},
		{
			name: "transient error is retried",
			replies: []func() (any, error){
				func() (any, error) { return nil, fmt.Errorf("connection reset") },
				func() (any, error) { return map[string]any{"output": showReply("i", StateShutOff)}, nil },
			},
			wantShows:  2,
			wantSleeps: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockOrchestrator()
			n := 0
			m.actionFunc = func(action, id string, extra []string) (any, error) {
				r := tt.replies[n]
				if n < len(tt.replies)-1 {
					n++
				}
				return r()
			}
			s := &recordingSleep{}
			c := newTestController(m, s)

			msg, err := c.WaitForShutdown(context.Background(), "i")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, msg)
			}
			assert.Equal(t, tt.wantShows, m.showCount())
			assert.Len(t, s.calls, tt.wantSleeps)
		})
	}
}

func TestWaitForShutdown_ExhaustsAfterMaxAttempts(t *testing.T) {
	m := newMockOrchestrator()
	s := &recordingSleep{}
	c := newTestController(m, s)
	c.MaxAttempts = 5
	c.Interval = 250 * time.Millisecond

	var polls []string
	c.OnPoll = func(wait string) { polls = append(polls, wait) }

	_, err := c.WaitForShutdown(context.Background(), "inst-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWaitExhausted))
	assert.Equal(t, 5, m.showCount())
	assert.Len(t, s.calls, 4)
	assert.Equal(t, 250*time.Millisecond, s.calls[0])
	assert.Len(t, polls, 5)
	assert.Equal(t, WaitShutdown, polls[0])
}

func TestWaitForShutdown_DefaultAttempts(t *testing.T) {
	m := newMockOrchestrator()
	c := newTestController(m, &recordingSleep{})

	_, err := c.WaitForShutdown(context.Background(), "inst-1")
	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, m.showCount())
}

func TestWaitForRemoved(t *testing.T) {
	t.Run("gone immediately", func(t *testing.T) {
		m := newMockOrchestrator()
		m.actionFunc = func(action, id string, extra []string) (any, error) { return nil, ErrInstanceNotFound }
		s := &recordingSleep{}
		c := newTestController(m, s)

		msg, err := c.WaitForRemoved(context.Background(), "inst-1")
		require.NoError(t, err)
		assert.Contains(t, msg, "removed")
		assert.Equal(t, 1, m.showCount())
		assert.Empty(t, s.calls)
	})

	t.Run("shut off is not removed", func(t *testing.T) {
		m := newMockOrchestrator()
		m.actionFunc = func(action, id string, extra []string) (any, error) { return showReply(id, StateShutOff), nil }
		c := newTestController(m, &recordingSleep{})
		c.MaxAttempts = 3

		_, err := c.WaitForRemoved(context.Background(), "inst-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWaitExhausted))
		assert.Equal(t, 3, m.showCount())
	})

	t.Run("last show error is reported", func(t *testing.T) {
		m := newMockOrchestrator()
		m.actionFunc = func(action, id string, extra []string) (any, error) { return nil, fmt.Errorf("socket closed") }
		c := newTestController(m, &recordingSleep{})
		c.MaxAttempts = 2

		_, err := c.WaitForRemoved(context.Background(), "inst-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "socket closed")
	})
}

func TestWait_ContextCancelled(t *testing.T) {
	m := newMockOrchestrator()
	c := NewController(m, logr.Discard())
	c.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WaitForShutdown(ctx, "inst-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, m.showCount())
}
