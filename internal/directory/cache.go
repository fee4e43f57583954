package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/groupguard/groupguard/internal/moderation"
)

type nameEntry struct {
	Updated time.Time
	Name    string
	Err     error
}

// CacheDirectory memoizes lookups from an inner directory in an in-process
// LRU. Failed lookups are cached too, but only for ErrTTL, so a flaky profile
// API is not hammered while an admin's profile is unavailable.
type CacheDirectory struct {
	Inner  Directory
	ErrTTL time.Duration
	names  *expirable.LRU[string, nameEntry]
	now    func() time.Time
}

var _ Directory = (*CacheDirectory)(nil)

// NewCacheDirectory wraps inner. Capacity of zero means unlimited size;
// hitTTL of zero means entries never expire.
func NewCacheDirectory(inner Directory, capacity int, hitTTL, errTTL time.Duration) *CacheDirectory {
	return &CacheDirectory{
		Inner:  inner,
		ErrTTL: errTTL,
		names:  expirable.NewLRU[string, nameEntry](capacity, nil, hitTTL),
		now:    time.Now,
	}
}

func (d *CacheDirectory) isStale(e nameEntry) bool {
	return e.Err != nil && d.now().Sub(e.Updated) > d.ErrTTL
}

// LookupDisplayName implements Directory.
func (d *CacheDirectory) LookupDisplayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) (string, error) {
	key := cacheKey(conversation, id)
	if e, ok := d.names.Get(key); ok && !d.isStale(e) {
		return e.Name, e.Err
	}

	name, err := d.Inner.LookupDisplayName(ctx, conversation, id)
	if ctx.Err() != nil {
		// a cancelled caller says nothing about the member
		return name, err
	}
	d.names.Add(key, nameEntry{Updated: d.now(), Name: name, Err: err})
	return name, err
}

// Purge drops the cached entry for a member, e.g. after a profile change.
func (d *CacheDirectory) Purge(conversation moderation.ConversationID, id moderation.SenderID) {
	d.names.Remove(cacheKey(conversation, id))
}

// Len returns the number of cached entries.
func (d *CacheDirectory) Len() int {
	return d.names.Len()
}
