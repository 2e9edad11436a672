package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceStateFinality(t *testing.T) {
	final := []ResourceState{ResourceStateProvisioned, ResourceStateSucceeded, ResourceStateFailed, ResourceStateDeprovisioned, ResourceStateCanceled}
	for _, s := range final {
		assert.True(t, s.IsFinal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []ResourceState{"", ResourceStatePending, ResourceStateProvisioning, ResourceStateDeprovisioning} {
		assert.False(t, s.IsFinal(), s)
	}
	assert.False(t, ResourceState("").IsActive(), "empty is pending")
	assert.True(t, ResourceStateInitializing.IsActive())
	assert.True(t, ResourceStateSucceeded.IsSuccess())
	assert.False(t, ResourceStateDeprovisioned.IsSuccess())
}

func TestTaskStateFinality(t *testing.T) {
	assert.True(t, TaskStateCanceled.IsFinal())
	assert.False(t, TaskStateProvisioning.IsFinal())
	assert.True(t, TaskStateProvisioning.IsActive())
	assert.False(t, TaskState("").IsActive())
}

func TestMetaSoftDelete(t *testing.T) {
	var m Meta
	_, ok := m.ExpiresAt()
	assert.False(t, ok)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.MarkDeleted(at, time.Hour)
	assert.True(t, m.IsDeleted())
	assert.Equal(t, 3600, m.TTL)
	exp, ok := m.ExpiresAt()
	assert.True(t, ok)
	assert.Equal(t, at.Add(time.Hour), exp)

	m.ClearDeleted()
	assert.False(t, m.IsDeleted())
	assert.Zero(t, m.TTL)
}

func TestScheduleCronExpression(t *testing.T) {
	s := &Schedule{UTCHour: 22, UTCMinute: 5}
	assert.Equal(t, "CRON_TZ=UTC 5 22 * * *", s.CronExpression())

	s.DaysOfWeek = []time.Weekday{time.Saturday, time.Sunday, time.Saturday}
	assert.Equal(t, "CRON_TZ=UTC 5 22 * * 0,6", s.CronExpression())

	s.DaysOfWeek = []time.Weekday{0, 1, 2, 3, 4, 5, 6}
	assert.Equal(t, "CRON_TZ=UTC 5 22 * * *", s.CronExpression(), "every day collapses to *")
}

func TestPartitionKeys(t *testing.T) {
	assert.Equal(t, "t1", (&Organization{ID: "o1", Tenant: "t1"}).GetPartitionKey())
	assert.Equal(t, "o1", (&Project{ID: "p1", Organization: "o1"}).GetPartitionKey())
	assert.Equal(t, "p1", (&Component{ID: "c1", ProjectID: "p1"}).GetPartitionKey())
	assert.Equal(t, "c1", (&ComponentTask{ID: "t1", ComponentID: "c1"}).GetPartitionKey())
	assert.Equal(t, "p1", (&Schedule{ID: "s1", ProjectID: "p1"}).GetPartitionKey())
}
