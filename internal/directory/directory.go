// Package directory resolves group member display names for administrator
// mentions. The authoritative source is the chat platform's profile API,
// reached through an outside collaborator; this package provides a static
// roster and caching layers in front of any source.
package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/groupguard/groupguard/internal/moderation"
)

// ErrNotFound is returned when no display name is known for a member.
var ErrNotFound = errors.New("directory: display name not found")

// Directory looks up the display name of a member of a conversation.
type Directory interface {
	LookupDisplayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) (string, error)
}

// Static is a fixed roster of display names, independent of conversation.
type Static map[moderation.SenderID]string

var _ Directory = Static(nil)

// LookupDisplayName implements Directory.
func (s Static) LookupDisplayName(_ context.Context, _ moderation.ConversationID, id moderation.SenderID) (string, error) {
	name, ok := s[id]
	if !ok || name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// ParseStatic parses "id=name" pairs separated by commas. Entries without an
// "=" or with an empty side are ignored.
func ParseStatic(s string) Static {
	out := make(Static)
	for _, pair := range strings.Split(s, ",") {
		id, name, ok := strings.Cut(pair, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			continue
		}
		out[moderation.SenderID(id)] = name
	}
	return out
}

// Chain tries each directory in turn and returns the first name found. A
// source error other than ErrNotFound is remembered and returned only if no
// later source has the name.
type Chain []Directory

var _ Directory = Chain(nil)

// LookupDisplayName implements Directory.
func (c Chain) LookupDisplayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) (string, error) {
	var firstErr error
	for _, d := range c {
		name, err := d.LookupDisplayName(ctx, conversation, id)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", ErrNotFound
}

func cacheKey(conversation moderation.ConversationID, id moderation.SenderID) string {
	return string(conversation) + "/" + string(id)
}
