package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := domain.NewLocalMessage("conv-1", domain.TextContent("hello"))
	require.NoError(t, s.Create(ctx, msg))

	got, err := s.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestMemoryStoreDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := domain.NewExternalMessage("conv-1", domain.TextContent("a"), "wamid.1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, first))

	dup := domain.NewExternalMessage("conv-1", domain.TextContent("a"), "wamid.1", time.Now().UTC())
	assert.ErrorIs(t, s.Create(ctx, dup), domain.ErrDuplicateExternalID)

	got, err := s.GetByExternalID(ctx, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestMemoryStoreTransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := domain.NewLocalMessage("conv-1", domain.TextContent("hello"))
	require.NoError(t, s.Create(ctx, msg))

	change := domain.StatusChange{From: domain.StatusPending, To: domain.StatusSending, At: time.Now().UTC()}
	require.NoError(t, s.TransitionStatus(ctx, msg.ID, domain.StatusPending, change))

	// Second CAS with the stale expectation must fail and leave state alone.
	err := s.TransitionStatus(ctx, msg.ID, domain.StatusPending, change)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	got, err := s.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSending, got.Status)
	assert.Len(t, got.StatusHistory, 2)

	assert.ErrorIs(t, s.TransitionStatus(ctx, "missing", domain.StatusPending, change), domain.ErrMessageNotFound)
}

func TestMemoryStoreTransitionRecordsTimestamps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := domain.NewLocalMessage("conv-1", domain.TextContent("hello"))
	msg.Status = domain.StatusSent
	require.NoError(t, s.Create(ctx, msg))

	at := time.Now().UTC()
	require.NoError(t, s.TransitionStatus(ctx, msg.ID, domain.StatusSent,
		domain.StatusChange{From: domain.StatusSent, To: domain.StatusDelivered, At: at}))
	require.NoError(t, s.TransitionStatus(ctx, msg.ID, domain.StatusDelivered,
		domain.StatusChange{From: domain.StatusDelivered, To: domain.StatusRead, At: at.Add(time.Second)}))

	got, err := s.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, at, *got.DeliveredAt)
}

func TestMemoryStoreListConversationWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, 500 * time.Millisecond, 3 * time.Second} {
		msg := domain.NewLocalMessage("conv-1", domain.TextContent("m"))
		msg.CreatedAt = base.Add(offset)
		msg.ID = string(rune('a' + i))
		require.NoError(t, s.Create(ctx, msg))
	}
	other := domain.NewLocalMessage("conv-2", domain.TextContent("m"))
	other.CreatedAt = base
	require.NoError(t, s.Create(ctx, other))

	got, err := s.ListConversationWindow(ctx, "conv-1", base, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().UTC().Add(-time.Hour)

	stale := domain.NewLocalMessage("conv-1", domain.TextContent("stale"))
	stale.UpdatedAt = old
	require.NoError(t, s.Create(ctx, stale))

	fresh := domain.NewLocalMessage("conv-1", domain.TextContent("fresh"))
	require.NoError(t, s.Create(ctx, fresh))

	got, err := s.ListByStatus(ctx, []domain.Status{domain.StatusPending}, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestMemoryStoreApplyResolution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := domain.NewLocalMessage("conv-1", domain.TextContent("a"))
	b := domain.NewExternalMessage("conv-1", domain.TextContent("b"), "wamid.b", time.Now().UTC())
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	merged := domain.NewLocalMessage("conv-1", domain.TextContent("a\nb"))
	merged.OriginPlatform = domain.PlatformMerged
	require.NoError(t, s.ApplyResolution(ctx, []string{a.ID, b.ID}, []*domain.UnifiedMessage{merged}))

	_, err := s.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	_, err = s.GetByExternalID(ctx, "wamid.b")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	msgs, err := s.ListConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, merged.ID, msgs[0].ID)
}

func TestMemoryStoreApplyResolutionIndexesAbsorbedExternalIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := domain.NewExternalMessage("conv-1", domain.TextContent("a"), "wamid.a", time.Now().UTC())
	b := domain.NewExternalMessage("conv-1", domain.TextContent("b"), "wamid.b", time.Now().UTC())
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	merged := domain.NewLocalMessage("conv-1", domain.TextContent("a\nb"))
	merged.OriginPlatform = domain.PlatformMerged
	ext := "wamid.a"
	merged.ExternalMessageID = &ext
	merged.Metadata = map[string]any{
		domain.MetadataKeyAbsorbedExternalIDs: []string{"wamid.b"},
	}
	require.NoError(t, s.ApplyResolution(ctx, []string{a.ID, b.ID}, []*domain.UnifiedMessage{merged}))

	// Both the primary and the absorbed ID resolve to the merged message.
	got, err := s.GetByExternalID(ctx, "wamid.a")
	require.NoError(t, err)
	assert.Equal(t, merged.ID, got.ID)
	got, err = s.GetByExternalID(ctx, "wamid.b")
	require.NoError(t, err)
	assert.Equal(t, merged.ID, got.ID)

	// Deleting the conversation drops the absorbed index entries too.
	require.NoError(t, s.DeleteConversation(ctx, "conv-1"))
	_, err = s.GetByExternalID(ctx, "wamid.b")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestMemoryStoreDeleteConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	keep := domain.NewLocalMessage("conv-keep", domain.TextContent("x"))
	gone := domain.NewExternalMessage("conv-gone", domain.TextContent("y"), "wamid.y", time.Now().UTC())
	require.NoError(t, s.Create(ctx, keep))
	require.NoError(t, s.Create(ctx, gone))

	require.NoError(t, s.DeleteConversation(ctx, "conv-gone"))

	_, err := s.GetByID(ctx, gone.ID)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	_, err = s.GetByExternalID(ctx, "wamid.y")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	_, err = s.GetByID(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestMemoryStoreClonesOnReturn(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := domain.NewLocalMessage("conv-1", domain.TextContent("hello"))
	require.NoError(t, s.Create(ctx, msg))

	got, err := s.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	got.Content.Text = "mutated"
	got.Status = domain.StatusFailed

	again, err := s.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Content.Text)
	assert.Equal(t, domain.StatusPending, again.Status)
}
