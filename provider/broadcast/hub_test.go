package broadcast

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/provider"
)

func TestMatcher(t *testing.T) {
	match := MakeMatcher(".")
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"o1.project.create", "o1.project.create", true},
		{"o1.project.*", "o1.project.delete", true},
		{"*.project.*", "o2.project.update", true},
		{"*.project.*", "o2.component.update", false},
		{"o1.#", "o1.component.delete", true},
		{"#", "_.user.create", true},
		{"#.delete", "o1.schedule.delete", true},
		{"o1.*", "o1.project.create", false},
		{"o1.project", "o1.project.create", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}
}

type sink struct {
	mu   sync.Mutex
	msgs []provider.Message
}

func (s *sink) handle(_ context.Context, msg provider.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub()
	projects, everything, other := &sink{}, &sink{}, &sink{}
	hub.Subscribe("o1.project.*", projects.handle)
	hub.Subscribe("#", everything.handle)
	hub.Subscribe("o2.#", other.handle)

	ctx := context.Background()
	require.NoError(t, hub.Broadcast(ctx, provider.Message{Organization: "o1", Kind: "project", Action: "create", ID: "p1"}))
	require.NoError(t, hub.Broadcast(ctx, provider.Message{Kind: "organization", Action: "delete", ID: "o1"}))

	assert.Equal(t, 1, projects.count())
	assert.Equal(t, "p1", projects.msgs[0].ID)
	assert.Equal(t, 2, everything.count())
	assert.Equal(t, 0, other.count())
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	a, b := &sink{}, &sink{}
	subA := hub.Subscribe("#", a.handle)
	hub.Subscribe("#", b.handle)

	subA.Unsubscribe()
	require.NoError(t, hub.Broadcast(context.Background(), provider.Message{Organization: "o1", Kind: "user", Action: "update"}))
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestHubJoinsSubscriberFailures(t *testing.T) {
	hub := NewHub()
	ok := &sink{}
	hub.Subscribe("#", func(context.Context, provider.Message) error { return assert.AnError })
	hub.Subscribe("#", ok.handle)

	err := hub.Broadcast(context.Background(), provider.Message{Organization: "o1", Kind: "project", Action: "update"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, ok.count(), "later subscribers still run")
}
