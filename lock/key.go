package lock

import (
	"context"
	"sort"

	"github.com/goliatone/go-controlplane/model"
)

// Key names one entity lock: a document kind plus its id.
type Key struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k Key) String() string { return k.Type + "/" + k.ID }

// KeyOf returns the lock key of a document.
func KeyOf(doc interface {
	model.HasID
	Kind() string
}) Key {
	return Key{Type: doc.Kind(), ID: doc.GetID()}
}

// rank fixes the acquisition order. Anything not listed sorts last.
var rank = map[string]int{
	model.KindOrganization:  0,
	model.KindProject:       1,
	model.KindComponent:     2,
	model.KindComponentTask: 3,
}

func rankOf(k Key) int {
	if r, ok := rank[k.Type]; ok {
		return r
	}
	return len(rank)
}

// less orders keys Organization, Project, Component, ComponentTask, others,
// ties broken by type then id.
func less(a, b Key) bool {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return ra < rb
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

// Sort returns a deduplicated copy of keys in acquisition order.
func Sort(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

type ownerKey struct{}

// WithOwner marks ctx as running on behalf of a lock owner, usually an
// orchestration instance id.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}
