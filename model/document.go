package model

import "time"

// Document kinds double as entity lock types.
const (
	KindOrganization    = "organization"
	KindProject         = "project"
	KindComponent       = "component"
	KindComponentTask   = "componenttask"
	KindSchedule        = "schedule"
	KindUser            = "user"
	KindDeploymentScope = "deploymentscope"
	KindProjectIdentity = "projectidentity"
)

type HasID interface {
	GetID() string
}

type HasPartitionKey interface {
	GetPartitionKey() string
}

// Versioned is implemented by documents carrying an optimistic concurrency tag.
type Versioned interface {
	GetETag() string
	SetETag(etag string)
	GetVersion() int
	SetVersion(version int)
}

type HasResourceState interface {
	GetResourceState() ResourceState
	SetResourceState(state ResourceState)
}

// SoftDeletable documents are hidden once Deleted is set and purged after TTL.
type SoftDeletable interface {
	GetDeleted() *time.Time
	MarkDeleted(at time.Time, ttl time.Duration)
	ClearDeleted()
}

// HasUniqueKeys exposes secondary uniqueness constraints enforced by the store,
// scoped to the document partition.
type HasUniqueKeys interface {
	UniqueKeys() []string
}

// Document is the persisted entity contract.
type Document interface {
	HasID
	HasPartitionKey
	Versioned
	Kind() string
}

// Meta carries the bookkeeping fields every document embeds.
type Meta struct {
	ETag    string     `json:"_etag,omitempty"`
	Version int        `json:"_version,omitempty"`
	Created time.Time  `json:"created"`
	Updated time.Time  `json:"updated"`
	Deleted *time.Time `json:"deleted,omitempty"`
	TTL     int        `json:"ttl,omitempty"`
}

func (m *Meta) GetETag() string        { return m.ETag }
func (m *Meta) SetETag(etag string)    { m.ETag = etag }
func (m *Meta) GetVersion() int        { return m.Version }
func (m *Meta) SetVersion(version int) { m.Version = version }
func (m *Meta) GetDeleted() *time.Time { return m.Deleted }

func (m *Meta) MarkDeleted(at time.Time, ttl time.Duration) {
	at = at.UTC()
	m.Deleted = &at
	m.TTL = int(ttl / time.Second)
}

func (m *Meta) ClearDeleted() {
	m.Deleted = nil
	m.TTL = 0
}

func (m *Meta) IsDeleted() bool {
	return m.Deleted != nil
}

// ExpiresAt returns the purge deadline for a soft deleted document.
func (m *Meta) ExpiresAt() (time.Time, bool) {
	if m.Deleted == nil || m.TTL <= 0 {
		return time.Time{}, false
	}
	return m.Deleted.Add(time.Duration(m.TTL) * time.Second), true
}

// SetTimestamps is called by stores with the authoritative write times.
func (m *Meta) SetTimestamps(created, updated time.Time) {
	m.Created = created
	m.Updated = updated
}
