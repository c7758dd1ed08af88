// Package resolver decides what to do with near-simultaneous messages in
// the same conversation: deduplicate, merge, or keep both. Resolution is
// deterministic: identical inputs always produce identical output.
package resolver

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// Action is the outcome class of a resolution.
type Action string

const (
	ActionKeepBoth    Action = "keep_both"
	ActionDeduplicate Action = "deduplicate"
	ActionMerge       Action = "merge"
	ActionPrioritize  Action = "prioritize"
)

// Resolution is the outcome of comparing candidate messages: the ordered
// set of messages to persist, replacing the conflicting inputs.
type Resolution struct {
	Action            Action
	ResultingMessages []*domain.UnifiedMessage
	RemovedIDs        []string
}

type Resolver struct {
	window time.Duration
}

func New(window time.Duration) *Resolver {
	if window <= 0 {
		window = time.Second
	}
	return &Resolver{window: window}
}

// Window returns the conflict window span.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// originRank orders platforms for the stable tiebreak: local before
// external before merged.
func originRank(p domain.Platform) int {
	switch p {
	case domain.PlatformLocal:
		return 0
	case domain.PlatformExternal:
		return 1
	default:
		return 2
	}
}

// Resolve applies the resolution precedence to the candidates:
//
//  1. Sort by createdAt ascending; ties broken by origin priority
//     (local > external).
//  2. For each adjacent pair within the window:
//     a. identical content       -> deduplicate, keep the earlier one;
//     b. complementary content   -> merge into one message (earliest
//     createdAt, origin merged, provenance in metadata);
//     c. genuinely conflicting   -> keep both, ordered by createdAt.
//  3. Pairs outside the window are never compared.
//
// Content is complementary when exactly one side is media or location and
// the other is text, or when both are texts from different platforms
// (a local note and an external note annotating the same moment).
func (r *Resolver) Resolve(candidates []*domain.UnifiedMessage) Resolution {
	if len(candidates) == 0 {
		return Resolution{Action: ActionKeepBoth}
	}

	sorted := append([]*domain.UnifiedMessage(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return originRank(sorted[i].OriginPlatform) < originRank(sorted[j].OriginPlatform)
	})

	action := ActionKeepBoth
	var removed []string
	result := []*domain.UnifiedMessage{sorted[0]}

	for _, next := range sorted[1:] {
		prev := result[len(result)-1]
		if next.CreatedAt.Sub(prev.CreatedAt) > r.window {
			// Outside the window: never compared.
			result = append(result, next)
			continue
		}

		switch {
		case prev.Content.Equal(next.Content):
			// Earlier message wins, later duplicate is discarded. The
			// duplicate's external IDs move to the survivor so redelivered
			// webhooks keep hitting the dedup check.
			if action != ActionMerge {
				action = ActionDeduplicate
			}
			removed = append(removed, next.ID)
			if ids := next.ExternalIDs(); len(ids) > 0 {
				result[len(result)-1] = absorbExternalIDs(prev, ids)
			}

		case complementary(prev, next):
			merged := mergeMessages(prev, next)
			action = ActionMerge
			removed = append(removed, prev.ID, next.ID)
			result[len(result)-1] = merged

		default:
			result = append(result, next)
		}
	}

	return Resolution{Action: action, ResultingMessages: result, RemovedIDs: removed}
}

// complementary reports whether the pair can be merged: text annotating a
// media or location payload, or two texts from different origin platforms.
// Two media variants (no text complement) are never merged.
func complementary(a, b *domain.UnifiedMessage) bool {
	aText := a.Content.Kind == domain.ContentKindText
	bText := b.Content.Kind == domain.ContentKindText
	if aText != bText {
		return true
	}
	if aText && bText {
		return a.OriginPlatform != b.OriginPlatform
	}
	return false
}

func mergeMessages(a, b *domain.UnifiedMessage) *domain.UnifiedMessage {
	earliest := a.CreatedAt
	if b.CreatedAt.Before(earliest) {
		earliest = b.CreatedAt
	}

	now := time.Now().UTC()
	merged := &domain.UnifiedMessage{
		ID:             uuid.NewString(),
		ConversationID: a.ConversationID,
		Content:        mergeContent(a.Content, b.Content),
		OriginPlatform: domain.PlatformMerged,
		CreatedAt:      earliest,
		Status:         domain.StatusSynced,
		StatusHistory:  []domain.StatusChange{{To: domain.StatusSynced, At: now, Reason: "merged"}},
		Metadata: map[string]any{
			domain.MetadataKeyOriginalMessages: []string{a.ID, b.ID},
		},
		UpdatedAt: now,
	}
	// Both sides' external IDs carry over so the merged message keeps
	// answering dedup lookups for the records it replaced.
	if ids := append(a.ExternalIDs(), b.ExternalIDs()...); len(ids) > 0 {
		ext := ids[0]
		merged.ExternalMessageID = &ext
		if len(ids) > 1 {
			merged.Metadata[domain.MetadataKeyAbsorbedExternalIDs] = ids[1:]
		}
	}
	return merged
}

// absorbExternalIDs returns a copy of m that additionally answers for
// ids. The original is never mutated; callers persist the copy.
func absorbExternalIDs(m *domain.UnifiedMessage, ids []string) *domain.UnifiedMessage {
	c := *m
	c.Metadata = make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	if c.ExternalMessageID == nil {
		ext := ids[0]
		c.ExternalMessageID = &ext
		ids = ids[1:]
	}
	if len(ids) > 0 {
		c.Metadata[domain.MetadataKeyAbsorbedExternalIDs] = append(m.AbsorbedExternalIDs(), ids...)
	}
	c.UpdatedAt = time.Now().UTC()
	return &c
}

// mergeContent concatenates a text annotation with its media/location
// complement. For a media payload the text folds into the caption so the
// blob reference survives; for everything else the result is a combined
// text body.
func mergeContent(a, b domain.Content) domain.Content {
	text, other := a, b
	if text.Kind != domain.ContentKindText {
		text, other = b, a
	}

	if other.Kind == domain.ContentKindMedia {
		media := *other.Media
		if media.Caption == "" {
			media.Caption = text.Text
		} else {
			media.Caption = media.Caption + "\n" + text.Text
		}
		return domain.Content{Kind: domain.ContentKindMedia, Media: &media}
	}

	if other.Kind == domain.ContentKindText {
		return domain.TextContent(text.Text + "\n" + other.Text)
	}

	return domain.TextContent(text.Text + "\n" + other.Summary())
}
