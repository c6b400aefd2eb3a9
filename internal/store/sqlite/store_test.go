package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pairConversation(id, u1, u2 string) *domain.Conversation {
	key := domain.PairKey(domain.KindClientCreator, u1, u2)
	return &domain.Conversation{
		ID:        id,
		Kind:      key.Kind,
		LookupKey: key.Lookup(),
		Status:    domain.StatusCreated,
		State:     domain.StateActive,
		Participants: []domain.Participant{
			{UserID: u1, Role: domain.RoleClient, Position: 0, JoinedAt: t0},
			{UserID: u2, Role: domain.RoleCreator, Position: 1, JoinedAt: t0},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestConversationCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepo(newTestDB(t))

	c := pairConversation("c1", "client", "creator")
	require.NoError(t, repo.Create(ctx, c))

	got, err := repo.GetByLookupKey(ctx, domain.PairKey(domain.KindClientCreator, "creator", "client").Lookup())
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "client", got.U1())
	assert.Equal(t, "creator", got.U2())
	assert.Nil(t, got.LastMessageID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationCreateConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepo(newTestDB(t))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := pairConversation(string(rune('a'+i)), "x", "y")
			err := repo.Create(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, conflicts)
}

func TestApplyTransitionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	convs := NewConversationRepo(db)
	msgs := NewMessageRepo(db)

	c := pairConversation("c1", "client", "creator")
	c.State = domain.StateInvite
	require.NoError(t, convs.Create(ctx, c))
	brief := &domain.MessageRecord{ConversationID: "c1", SenderID: "client", Type: domain.MessageBrief, Payload: "{}", Status: domain.BriefSent, CreatedAt: t0}
	require.NoError(t, msgs.Append(ctx, brief, []string{"creator"}))

	at := t0.Add(time.Hour)
	accept := domain.Transition{
		ConversationID:  "c1",
		FromStatus:      domain.StatusCreated,
		FromState:       domain.StateInvite,
		ToStatus:        domain.StatusCreated,
		ToState:         domain.StateActive,
		BriefStatus:     domain.BriefProposalAccepted,
		BriefFrom:       []string{domain.BriefSent},
		Classified:      true,
		ClassifiedState: domain.ClassifiedEngaged,
		ClassifiedAt:    &at,
		At:              at,
	}
	require.NoError(t, convs.ApplyTransition(ctx, accept))

	got, err := convs.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.True(t, got.Classified)
	assert.Equal(t, domain.ClassifiedEngaged, got.ClassifiedState)
	require.NotNil(t, got.ClassifiedAt)
	assert.True(t, got.ClassifiedAt.Equal(at))

	stored, err := msgs.GetByID(ctx, brief.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BriefProposalAccepted, stored.Status)

	// a second writer still holding the old state loses
	err = convs.ApplyTransition(ctx, accept)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// classification never moves back and the timestamp is stamped once
	later := at.Add(time.Hour)
	require.NoError(t, convs.ApplyTransition(ctx, domain.Transition{
		ConversationID:  "c1",
		FromStatus:      domain.StatusCreated,
		FromState:       domain.StateActive,
		ToStatus:        domain.StatusCreated,
		ToState:         domain.StateInvite,
		ClassifiedState: domain.ClassifiedPending,
		ClassifiedAt:    &later,
		At:              later,
	}))
	got, err = convs.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Classified)
	assert.Equal(t, domain.ClassifiedEngaged, got.ClassifiedState)
	assert.True(t, got.ClassifiedAt.Equal(at))

	err = convs.ApplyTransition(ctx, domain.Transition{ConversationID: "nope", At: later})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendIncrementsRecipients(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	convs := NewConversationRepo(db)
	msgs := NewMessageRepo(db)
	counters := NewCounterRepo(db)

	require.NoError(t, convs.Create(ctx, pairConversation("c1", "client", "creator")))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &domain.MessageRecord{ConversationID: "c1", SenderID: "client", Type: domain.MessageText, Payload: "x", CreatedAt: t0}
			assert.NoError(t, msgs.Append(ctx, m, []string{"creator"}))
		}()
	}
	wg.Wait()

	n, err := counters.Get(ctx, "c1", "creator")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = counters.Get(ctx, "c1", "client")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	latest, err := msgs.LatestID(ctx, "c1")
	require.NoError(t, err)
	got, err := convs.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, latest, *got.LastMessageID)

	require.NoError(t, counters.Reset(ctx, "c1", "creator"))
	require.NoError(t, counters.Reset(ctx, "c1", "creator"))
	n, _ = counters.Get(ctx, "c1", "creator")
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, counters.Reset(ctx, "c1", "stranger"), domain.ErrNotFound)

	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, counters.Increment(ctx, "c1", "client"))
		}()
	}
	wg.Wait()
	n, err = counters.Get(ctx, "c1", "client")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, counters.Increment(ctx, "c1", "stranger"), domain.ErrNotFound)

	assert.ErrorIs(t, msgs.Append(ctx, &domain.MessageRecord{ConversationID: "zz", Type: domain.MessageText, CreatedAt: t0}, nil), domain.ErrNotFound)
}

func TestListPages(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	convs := NewConversationRepo(db)
	msgs := NewMessageRepo(db)
	require.NoError(t, convs.Create(ctx, pairConversation("c1", "client", "creator")))

	var ids []int64
	for i := range 5 {
		m := &domain.MessageRecord{ConversationID: "c1", SenderID: "client", Type: domain.MessageText, Payload: string(rune('a' + i)), CreatedAt: t0}
		require.NoError(t, msgs.Append(ctx, m, []string{"creator"}))
		ids = append(ids, m.ID)
	}

	newest, err := msgs.List(ctx, domain.PageQuery{ConversationID: "c1", Older: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, ids[3], newest[0].ID)
	assert.Equal(t, ids[4], newest[1].ID)

	older, err := msgs.List(ctx, domain.PageQuery{ConversationID: "c1", Cursor: ids[3], Older: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, ids[0], older[0].ID)

	newer, err := msgs.List(ctx, domain.PageQuery{ConversationID: "c1", Cursor: ids[1], Limit: 10})
	require.NoError(t, err)
	require.Len(t, newer, 3)
	assert.Equal(t, "c", newer[0].Payload)
}

func TestMessageStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, NewConversationRepo(db).Create(ctx, pairConversation("c1", "client", "creator")))
	msgs := NewMessageRepo(db)

	m := &domain.MessageRecord{ConversationID: "c1", SenderID: "creator", Type: domain.MessageProposal, Payload: "{}", Status: "PENDING", CreatedAt: t0}
	require.NoError(t, msgs.Append(ctx, m, []string{"client"}))

	require.NoError(t, msgs.SetStatus(ctx, m.ID, "PENDING", "ACCEPTED"))
	assert.ErrorIs(t, msgs.SetStatus(ctx, m.ID, "PENDING", "DECLINED"), domain.ErrConflict)
	assert.ErrorIs(t, msgs.SetStatus(ctx, 999, "PENDING", "DECLINED"), domain.ErrNotFound)

	latest, err := msgs.LatestByType(ctx, "c1", domain.MessageProposal)
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", latest.Status)
	_, err = msgs.LatestByType(ctx, "c1", domain.MessageBrief)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGroupMembershipAndProfiles(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	convs := NewConversationRepo(db)
	ref := "project-1"
	key := domain.GroupKey(ref)
	require.NoError(t, convs.Create(ctx, &domain.Conversation{
		ID: "g1", Kind: domain.KindGroup, LookupKey: key.Lookup(), ProjectRef: &ref,
		Status: domain.StatusCreated,
		Participants: []domain.Participant{
			{UserID: "pm", Role: domain.RolePM, IsAdmin: true, JoinedAt: t0},
		},
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, convs.AddParticipants(ctx, "g1", []domain.Participant{
		{UserID: "a", Role: domain.RoleCreator, JoinedAt: t0.Add(time.Minute)},
		{UserID: "pm", Role: domain.RolePM, JoinedAt: t0.Add(time.Minute)},
	}))

	g, err := convs.GetByID(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, g.Participants, 2)
	assert.True(t, g.Participants[0].IsAdmin, "existing member is untouched")
	assert.Equal(t, "a", g.Participants[1].UserID)

	list, err := convs.ListForUser(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Participants, 2)

	profiles := NewProfileRepo(db)
	require.NoError(t, profiles.Upsert(ctx, &domain.Profile{UserID: "a", DisplayName: "Ann", UpdatedAt: t0}))
	require.NoError(t, profiles.Upsert(ctx, &domain.Profile{UserID: "a", DisplayName: "Anna", UpdatedAt: t0}))
	got, err := profiles.GetMany(ctx, []string{"a", "ghost"})
	require.NoError(t, err)
	require.Contains(t, got, "a")
	assert.Equal(t, "Anna", got["a"].DisplayName)
	assert.NotContains(t, got, "ghost")
}

func TestBriefMarkTouchesLatestBriefOnly(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	convs := NewConversationRepo(db)
	msgs := NewMessageRepo(db)

	c := pairConversation("c1", "client", "creator")
	c.State = domain.StateInvite
	require.NoError(t, convs.Create(ctx, c))
	old := &domain.MessageRecord{ConversationID: "c1", SenderID: "client", Type: domain.MessageBrief, Payload: "{}", Status: domain.BriefDeclined, CreatedAt: t0}
	require.NoError(t, msgs.Append(ctx, old, []string{"creator"}))
	latest := &domain.MessageRecord{ConversationID: "c1", SenderID: "client", Type: domain.MessageBrief, Payload: "{}", Status: domain.BriefSent, CreatedAt: t0}
	require.NoError(t, msgs.Append(ctx, latest, []string{"creator"}))

	require.NoError(t, convs.ApplyTransition(ctx, domain.Transition{
		ConversationID: "c1",
		FromStatus:     domain.StatusCreated,
		FromState:      domain.StateInvite,
		ToStatus:       domain.StatusCreated,
		ToState:        domain.StateActive,
		BriefStatus:    domain.BriefProposalAccepted,
		BriefFrom:      []string{domain.BriefSent, domain.BriefDeclined},
		At:             t0,
	}))

	got, err := msgs.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BriefDeclined, got.Status)
	got, err = msgs.GetByID(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BriefProposalAccepted, got.Status)
}
