package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

type fakeStore struct {
	pending   []model.Event
	consumed  []int64
	emitted   []model.Event
}

func (f *fakeStore) EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error {
	f.emitted = append(f.emitted, model.Event{ProjectID: projectID, Type: typ, TaskID: taskID, Payload: payload})
	return nil
}

func (f *fakeStore) PollUnconsumedEvents(ctx context.Context, projectID string, limit int) ([]model.Event, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkConsumed(ctx context.Context, id int64) error {
	f.consumed = append(f.consumed, id)
	return nil
}

func TestPollerShortensIntervalOnActivity(t *testing.T) {
	fs := &fakeStore{pending: []model.Event{{ID: 1}}}
	p := NewPoller(fs, 1*time.Second, 30*time.Second)
	p.interval = 8 * time.Second

	events, err := p.Poll(context.Background(), "proj")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1*time.Second, p.Interval())
	assert.Equal(t, []int64{1}, fs.consumed)
}

func TestPollerLengthensIntervalWhenIdle(t *testing.T) {
	fs := &fakeStore{}
	p := NewPoller(fs, 1*time.Second, 30*time.Second)
	p.interval = 4 * time.Second

	_, err := p.Poll(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, p.Interval())
}

func TestPollerClampsAtMax(t *testing.T) {
	fs := &fakeStore{}
	p := NewPoller(fs, 1*time.Second, 10*time.Second)
	p.interval = 9 * time.Second

	_, err := p.Poll(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, p.Interval())
}
