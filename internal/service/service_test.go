package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/sqlite"
)

const (
	inviteExpiry = 720 * time.Hour
	initExpiry   = 72 * time.Hour
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(ctx context.Context, delay time.Duration, job domain.Job) error {
	return m.Called(ctx, delay, job).Error(0)
}

func (m *MockScheduler) Now(ctx context.Context, job domain.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *MockScheduler) Cancel(ctx context.Context, name domain.JobName, conversationID string) error {
	return m.Called(ctx, name, conversationID).Error(0)
}

type MockFanout struct {
	mock.Mock
}

func (m *MockFanout) SendNewConversation(receivers []string, conversationID string, pendingCount int, kind domain.Kind) {
	m.Called(receivers, conversationID, pendingCount, kind)
}

func (m *MockFanout) SendNewMessage(receivers []string, conversationID string, pendingCount int, kind domain.Kind, msg *domain.Message) {
	m.Called(receivers, conversationID, pendingCount, kind, msg)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Sync(c *domain.Conversation) {
	m.Called(c)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(n domain.Notification) {
	m.Called(n)
}

type fixture struct {
	convs    *service.ConversationService
	msgs     *service.MessageService
	actions  *service.Actions
	profiles *sqlite.ProfileRepo
	sched    *MockScheduler
	fanout   *MockFanout
	cache    *MockCache
	notes    *MockNotifier
}

// newFixture builds the services on a fresh SQLite file. wrap, when given,
// decorates the conversation repository.
func newFixture(t *testing.T, wrap ...func(domain.ConversationRepository) domain.ConversationRepository) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		profiles: sqlite.NewProfileRepo(db),
		sched:    &MockScheduler{},
		fanout:   &MockFanout{},
		cache:    &MockCache{},
		notes:    &MockNotifier{},
	}
	f.sched.On("Schedule", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.sched.On("Cancel", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.fanout.On("SendNewConversation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.fanout.On("SendNewMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.cache.On("Sync", mock.Anything).Maybe()
	f.notes.On("Notify", mock.Anything).Maybe()

	enc, err := security.NewEncryptor([]byte("test-payload-key"))
	require.NoError(t, err)

	var convRepo domain.ConversationRepository = sqlite.NewConversationRepo(db)
	for _, w := range wrap {
		convRepo = w(convRepo)
	}
	f.convs = service.NewConversationService(
		convRepo,
		sqlite.NewCounterRepo(db),
		f.sched, f.cache, f.fanout,
		service.Timing{InviteExpiry: inviteExpiry, InitExpiry: initExpiry},
		zerolog.Nop(),
	)
	f.msgs = service.NewMessageService(f.convs, sqlite.NewMessageRepo(db), enc, 30, 100, zerolog.Nop())
	f.actions = service.NewActions(f.convs, f.msgs, f.profiles, f.notes, zerolog.Nop())
	return f
}

func (f *fixture) pending(t *testing.T, conversationID, userID string) int {
	t.Helper()
	c, err := f.convs.Get(context.Background(), conversationID, "")
	require.NoError(t, err)
	return c.PendingCount(userID)
}

func (f *fixture) briefStatus(t *testing.T, conversationID string) string {
	t.Helper()
	m, err := f.msgs.Latest(context.Background(), conversationID, domain.MessageBrief)
	require.NoError(t, err)
	return m.Status
}

func text(body string) domain.TextPayload {
	return domain.TextPayload{Body: body}
}

func brief() domain.BriefPayload {
	return domain.BriefPayload{BriefID: "b-1", Title: "Launch video", Budget: 120000, Currency: "EUR"}
}

// lookupBarrier holds the first n lookups until all of them missed, so every
// caller goes on to insert.
type lookupBarrier struct {
	domain.ConversationRepository
	n       int
	mu      sync.Mutex
	seen    int
	release chan struct{}
}

func newLookupBarrier(n int) func(domain.ConversationRepository) domain.ConversationRepository {
	return func(r domain.ConversationRepository) domain.ConversationRepository {
		return &lookupBarrier{ConversationRepository: r, n: n, release: make(chan struct{})}
	}
}

func (b *lookupBarrier) GetByLookupKey(ctx context.Context, key string) (*domain.Conversation, error) {
	c, err := b.ConversationRepository.GetByLookupKey(ctx, key)
	b.mu.Lock()
	if b.seen >= b.n {
		b.mu.Unlock()
		return c, err
	}
	b.seen++
	if b.seen == b.n {
		close(b.release)
	}
	b.mu.Unlock()
	<-b.release
	return c, err
}

func TestHireCreatesActiveConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y", Classified: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, c.Status)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, "client-x", c.U1())
	assert.True(t, c.Classified)
	assert.Equal(t, domain.ClassifiedEngaged, c.ClassifiedState)
	assert.NotNil(t, c.ClassifiedAt)
	assert.Equal(t, 0, c.PendingCount("creator-y"))

	f.fanout.AssertCalled(t, "SendNewConversation", []string{"creator-y"}, c.ID, 0, domain.KindClientCreator)
	f.fanout.AssertNumberOfCalls(t, "SendNewConversation", 1)
	f.sched.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
	f.sched.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything)
	f.cache.AssertCalled(t, "Sync", mock.Anything)

	_, err = f.actions.Hire(ctx, service.HireInput{HirerID: "creator-y", HiredID: "client-x"})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "already active")

	again, err := f.convs.Get(ctx, c.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, again.State)
}

func TestSelfConversationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.actions.Hire(ctx, service.HireInput{HirerID: "u1", HiredID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	_, _, err = f.actions.OpenDraft(ctx, domain.KindClientCreator, "u1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	f.sched.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestInviteThenAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, msg, err := f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: brief()})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInvite, c.State)
	assert.Equal(t, domain.BriefSent, msg.Status)
	assert.Equal(t, 1, f.pending(t, c.ID, "creator-y"))
	f.sched.AssertCalled(t, "Schedule", mock.Anything, inviteExpiry, domain.Job{Name: domain.JobExpireInvite, ConversationID: c.ID})

	_, err = f.actions.AcceptInvite(ctx, c.ID, "client-x")
	assert.ErrorIs(t, err, domain.ErrForbidden, "inviter cannot accept")
	_, err = f.actions.AcceptInvite(ctx, c.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	c, err = f.actions.AcceptInvite(ctx, c.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, domain.BriefProposalAccepted, f.briefStatus(t, c.ID))
	f.sched.AssertCalled(t, "Cancel", mock.Anything, domain.JobExpireInvite, c.ID)
	f.notes.AssertCalled(t, "Notify", mock.MatchedBy(func(n domain.Notification) bool {
		return n.UseCase == service.UseCaseInviteAccepted && n.Web != nil && n.Web.For == "client-x" && n.Web.By == "creator-y"
	}))

	// The expiry job firing after acceptance has nothing to do.
	err = f.actions.ExpireInvite(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestDeclineThenHire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: brief()})
	require.NoError(t, err)

	c, err = f.actions.DeclineInvite(ctx, c.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, c.State)
	assert.Equal(t, domain.BriefDeclined, f.briefStatus(t, c.ID))
	f.sched.AssertCalled(t, "Cancel", mock.Anything, domain.JobExpireInvite, c.ID)

	c, err = f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, domain.BriefProposalAccepted, f.briefStatus(t, c.ID))
	f.fanout.AssertNumberOfCalls(t, "SendNewConversation", 1)
}

func TestReinviteReschedulesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: brief()})
	require.NoError(t, err)
	_, _, err = f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: brief()})
	require.NoError(t, err)

	f.sched.AssertCalled(t, "Cancel", mock.Anything, domain.JobExpireInvite, c.ID)
	f.sched.AssertNumberOfCalls(t, "Schedule", 2)
}

func TestExpireInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: brief()})
	require.NoError(t, err)

	require.NoError(t, f.actions.ExpireInvite(ctx, c.ID))
	got, err := f.convs.Get(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, got.State)
	assert.Equal(t, domain.BriefDeclined, f.briefStatus(t, c.ID))
	f.notes.AssertCalled(t, "Notify", mock.MatchedBy(func(n domain.Notification) bool {
		return n.UseCase == service.UseCaseInviteExpired && n.Web.For == "client-x"
	}))

	assert.ErrorIs(t, f.actions.ExpireInvite(ctx, c.ID), domain.ErrInvalidStateTransition)
	assert.ErrorIs(t, f.actions.ExpireInvite(ctx, "missing"), domain.ErrNotFound)
}

func TestDraftPromotedByFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, created, err := f.actions.OpenDraft(ctx, domain.KindClientCreator, "client-x", "creator-y")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.StatusInit, c.Status)
	f.sched.AssertCalled(t, "Schedule", mock.Anything, initExpiry, domain.Job{Name: domain.JobExpireInit, ConversationID: c.ID})
	f.fanout.AssertNotCalled(t, "SendNewConversation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	list, err := f.convs.ListForUser(ctx, "creator-y", 10)
	require.NoError(t, err)
	assert.Empty(t, list, "placeholders are invisible")

	again, created, err := f.actions.OpenDraft(ctx, domain.KindClientCreator, "client-x", "creator-y")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)

	msg, err := f.actions.SendMessage(ctx, c.ID, "client-x", text("hello"))
	require.NoError(t, err)

	got, err := f.convs.Get(ctx, c.ID, "client-x")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, msg.ID, *got.LastMessageID)
	f.sched.AssertCalled(t, "Cancel", mock.Anything, domain.JobExpireInit, c.ID)
	f.fanout.AssertCalled(t, "SendNewConversation", []string{"creator-y"}, c.ID, 0, domain.KindClientCreator)
	f.fanout.AssertCalled(t, "SendNewMessage", []string{"creator-y"}, c.ID, 1, domain.KindClientCreator, msg)

	list, err = f.convs.ListForUser(ctx, "creator-y", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, f.actions.RemindDraft(ctx, c.ID), domain.ErrInvalidStateTransition)
}

func TestRemindDraftNotifiesInitiator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.profiles.Upsert(ctx, &domain.Profile{UserID: "client-x", DisplayName: "Xena", Email: "x@example.com"}))

	c, _, err := f.actions.OpenDraft(ctx, domain.KindClientCreator, "client-x", "creator-y")
	require.NoError(t, err)
	require.NoError(t, f.actions.RemindDraft(ctx, c.ID))

	f.notes.AssertCalled(t, "Notify", mock.MatchedBy(func(n domain.Notification) bool {
		return n.UseCase == service.UseCaseDraftReminder &&
			n.Role == domain.RoleClient &&
			n.Email != nil && n.Email.To == "x@example.com" &&
			n.Web != nil && n.Web.For == "client-x"
	}))
}

func TestConcurrentGetOrCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u1, u2 := "a", "b"
			if i%2 == 1 {
				u1, u2 = u2, u1
			}
			c, ok, err := f.convs.GetOrCreate(ctx, domain.PairKey(domain.KindCreatorCreator, u1, u2), service.CreateOptions{})
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[c.ID] = true
			if ok {
				created++
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	f.sched.AssertNumberOfCalls(t, "Schedule", 1)
}

func TestTimelinePagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)
	senders := []string{"client-x", "creator-y"}
	for i := 0; i < 25; i++ {
		_, err := f.msgs.Append(ctx, c.ID, senders[i%2], text("m"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	var (
		seen   []int64
		cursor string
		pages  int
	)
	for {
		page, err := f.msgs.List(ctx, c.ID, "client-x", service.Query{Cursor: cursor, Limit: 10, Direction: service.Forward})
		require.NoError(t, err)
		pages++
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
		}
		if pages == 1 {
			assert.Equal(t, text("my"), page.Messages[0].Payload, "newest first")
			// Appends between pages must not shift the walk.
			for i := 0; i < 3; i++ {
				_, err := f.msgs.Append(ctx, c.ID, "creator-y", text("late"))
				require.NoError(t, err)
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	require.Len(t, seen, 25)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i], seen[i-1])
	}

	var all []int64
	for m, err := range f.msgs.Iterate(ctx, c.ID, "creator-y", service.Query{Cursor: service.EncodeCursor(0), Limit: 7, Direction: service.Backward}) {
		require.NoError(t, err)
		all = append(all, m.ID)
	}
	require.Len(t, all, 28)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i], all[i-1])
	}

	head, err := f.msgs.Head(ctx, c.ID, "client-x")
	require.NoError(t, err)
	newer, err := f.msgs.List(ctx, c.ID, "client-x", service.Query{Cursor: head, Direction: service.Backward})
	require.NoError(t, err)
	assert.Empty(t, newer.Messages)
	assert.Equal(t, head, newer.NextCursor)

	m1, err := f.msgs.Append(ctx, c.ID, "client-x", text("after head"))
	require.NoError(t, err)
	newer, err = f.msgs.List(ctx, c.ID, "client-x", service.Query{Cursor: head, Direction: service.Backward})
	require.NoError(t, err)
	require.Len(t, newer.Messages, 1)
	assert.Equal(t, m1.ID, newer.Messages[0].ID)
	assert.False(t, newer.HasMore)

	_, err = f.msgs.List(ctx, c.ID, "client-x", service.Query{Cursor: "!!", Direction: service.Forward})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.msgs.List(ctx, c.ID, "client-x", service.Query{Direction: "sideways"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.msgs.List(ctx, c.ID, "stranger", service.Query{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestEmptyTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)

	head, err := f.msgs.Head(ctx, c.ID, "client-x")
	require.NoError(t, err)
	assert.Equal(t, service.EncodeCursor(0), head)

	page, err := f.msgs.List(ctx, c.ID, "client-x", service.Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)

	id, err := service.DecodeCursor(service.EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestCountersAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.actions.SendMessage(ctx, c.ID, "client-x", text("ping"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.pending(t, c.ID, "creator-y"))
	assert.Equal(t, 0, f.pending(t, c.ID, "client-x"))

	_, err = f.msgs.Append(ctx, c.ID, "", domain.InfoTextPayload{Code: "hired", Text: "Creator hired"})
	require.NoError(t, err)
	assert.Equal(t, 4, f.pending(t, c.ID, "creator-y"))
	assert.Equal(t, 1, f.pending(t, c.ID, "client-x"), "system messages count for everyone")

	require.NoError(t, f.convs.Reset(ctx, c.ID, "creator-y"))
	require.NoError(t, f.convs.Reset(ctx, c.ID, "creator-y"))
	assert.Equal(t, 0, f.pending(t, c.ID, "creator-y"))
	assert.Equal(t, 1, f.pending(t, c.ID, "client-x"))

	assert.ErrorIs(t, f.convs.Reset(ctx, c.ID, "stranger"), domain.ErrNotFound)

	c, err = f.convs.MarkUnread(ctx, c.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount("creator-y"))
	assert.Equal(t, 1, c.PendingCount("client-x"))
	_, err = f.convs.MarkUnread(ctx, c.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.msgs.Append(ctx, c.ID, "client-x", text("   "))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.msgs.Append(ctx, c.ID, "stranger", text("hi"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSetVariantStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)
	proposal := domain.ProposalPayload{Title: "Edit", Amount: 5000, Currency: "EUR"}

	p1, err := f.msgs.Append(ctx, c.ID, "creator-y", proposal)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", p1.Status)

	_, err = f.msgs.SetVariantStatus(ctx, "creator-y", p1.ID, "ACCEPTED")
	assert.ErrorIs(t, err, domain.ErrForbidden, "sender cannot accept own proposal")

	got, err := f.msgs.SetVariantStatus(ctx, "client-x", p1.ID, "ACCEPTED")
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", got.Status)
	assert.Equal(t, proposal, got.Payload)

	_, err = f.msgs.SetVariantStatus(ctx, "creator-y", p1.ID, "WITHDRAWN")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p2, err := f.msgs.Append(ctx, c.ID, "creator-y", proposal)
	require.NoError(t, err)
	got, err = f.msgs.SetVariantStatus(ctx, "creator-y", p2.ID, "WITHDRAWN")
	require.NoError(t, err)
	assert.Equal(t, "WITHDRAWN", got.Status)

	_, err = f.msgs.SetVariantStatus(ctx, "stranger", p2.ID, "ACCEPTED")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.msgs.SetVariantStatus(ctx, "client-x", 9999, "ACCEPTED")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProjectGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.actions.CreateProjectGroup(ctx, service.GroupInput{ProjectRef: "proj-1", AdminID: "pm", MemberIDs: []string{"c1", "c2", "c1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.KindGroup, g.Kind)
	assert.Equal(t, domain.PhaseOpen, g.Phase())
	require.Len(t, g.Participants, 3)
	admin, ok := g.Participant("pm")
	require.True(t, ok)
	assert.True(t, admin.IsAdmin)
	f.fanout.AssertCalled(t, "SendNewConversation", []string{"c1", "c2"}, g.ID, 0, domain.KindGroup)

	_, err = f.actions.SendMessage(ctx, g.ID, "c1", text("hi all"))
	require.NoError(t, err)
	require.NoError(t, f.convs.Reset(ctx, g.ID, "c2"))
	m, err := f.actions.SendMessage(ctx, g.ID, "c1", text("again"))
	require.NoError(t, err)
	f.fanout.AssertCalled(t, "SendNewMessage", []string{"pm"}, g.ID, 2, domain.KindGroup, m)
	f.fanout.AssertCalled(t, "SendNewMessage", []string{"c2"}, g.ID, 1, domain.KindGroup, m)

	_, err = f.actions.AddGroupMembers(ctx, g.ID, "c1", []string{"c3"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	g, err = f.actions.AddGroupMembers(ctx, g.ID, "pm", []string{"c2", "c3"})
	require.NoError(t, err)
	assert.Len(t, g.Participants, 4)
	f.fanout.AssertCalled(t, "SendNewConversation", []string{"c3"}, g.ID, 0, domain.KindGroup)

	same, err := f.actions.CreateProjectGroup(ctx, service.GroupInput{ProjectRef: "proj-1", AdminID: "pm", MemberIDs: []string{"c4"}})
	require.NoError(t, err)
	assert.Equal(t, g.ID, same.ID)
	assert.Len(t, same.Participants, 5)

	_, err = f.actions.SendInvoice(ctx, g.ID, "pm", domain.InvoicePayload{InvoiceID: "i1", Number: "1", Amount: 10, Currency: "EUR"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	inv, err := f.actions.SendInvoice(ctx, g.ID, "pm", domain.GroupInvoicePayload{
		InvoiceID: "i1", Number: "1", Currency: "EUR",
		Lines: []domain.InvoiceLine{{CreatorID: "c1", Amount: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, "UNPAID", inv.Status)
}

func TestGetInTouch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, msg, err := f.actions.GetInTouch(ctx, service.GetInTouchInput{
		Kind:      domain.KindExternalCreator,
		FromID:    "ext-1",
		CreatorID: "creator-y",
		Payload:   domain.ExtRequestPayload{Name: "Ann", Email: "ann@example.com", Body: "Are you free in May?"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, domain.MessageExtRequest, msg.Type)
	assert.Equal(t, 1, f.pending(t, c.ID, "creator-y"))

	w, _, err := f.actions.GetInTouch(ctx, service.GetInTouchInput{
		FromID:          "client-x",
		CreatorID:       "creator-y",
		Payload:         text("files coming"),
		AwaitingUploads: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, w.State)

	w, err = f.actions.Activate(ctx, w.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, w.State)

	_, err = f.actions.Activate(ctx, w.ID, "creator-y")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, _, err = f.actions.GetInTouch(ctx, service.GetInTouchInput{Kind: domain.KindPMCreator, FromID: "pm", CreatorID: "creator-y", Payload: text("hi")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMarkWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.actions.OpenDraft(ctx, domain.KindClientPM, "client-x", "pm-1")
	require.NoError(t, err)
	c, err = f.actions.MarkWaiting(ctx, c.ID, "client-x")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, c.State)
	f.sched.AssertCalled(t, "Cancel", mock.Anything, domain.JobExpireInit, c.ID)

	// client_pm has no invite edges.
	_, _, err = f.actions.SendInvite(ctx, service.InviteInput{Kind: domain.KindClientPM, InviterID: "client-x", InviteeID: "pm-1", Brief: brief()})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestAcceptMarksOnlyTheAnsweredBrief(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := brief()
	c, _, err := f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: first})
	require.NoError(t, err)
	_, err = f.actions.DeclineInvite(ctx, c.ID, "creator-y")
	require.NoError(t, err)

	second := brief()
	second.BriefID = "b-2"
	_, _, err = f.actions.SendInvite(ctx, service.InviteInput{InviterID: "client-x", InviteeID: "creator-y", Brief: second})
	require.NoError(t, err)
	c, err = f.actions.AcceptInvite(ctx, c.ID, "creator-y")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)

	page, err := f.msgs.List(ctx, c.ID, "client-x", service.Query{Limit: 10, Direction: service.Forward})
	require.NoError(t, err)
	status := map[string]string{}
	for _, m := range page.Messages {
		if b, ok := m.Payload.(domain.BriefPayload); ok {
			status[b.BriefID] = m.Status
		}
	}
	assert.Equal(t, map[string]string{
		"b-1": domain.BriefDeclined,
		"b-2": domain.BriefProposalAccepted,
	}, status)
}

func TestProjectGroupRejoinRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.actions.CreateProjectGroup(ctx, service.GroupInput{ProjectRef: "proj-1", AdminID: "pm", MemberIDs: []string{"c1"}})
	require.NoError(t, err)

	_, err = f.actions.CreateProjectGroup(ctx, service.GroupInput{ProjectRef: "proj-1", AdminID: "stranger", MemberIDs: []string{"mallory"}})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.actions.CreateProjectGroup(ctx, service.GroupInput{ProjectRef: "proj-1", AdminID: "c1", MemberIDs: []string{"mallory"}})
	assert.ErrorIs(t, err, domain.ErrForbidden, "members are not admins")

	got, err := f.convs.Get(ctx, g.ID, "pm")
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2)
	assert.False(t, got.IsParticipant("mallory"))
}

func TestConcurrentHiresShareOneConversation(t *testing.T) {
	const n = 8
	f := newFixture(t, newLookupBarrier(n))
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = map[string]bool{}
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[c.ID] = true
			assert.Equal(t, domain.StateActive, c.State)
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Len(t, ids, 1)
	f.fanout.AssertNumberOfCalls(t, "SendNewConversation", 1)

	// A hire after the race is an ordinary repeat and stays rejected.
	_, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestConcurrentAppendsCountEveryMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.actions.Hire(ctx, service.HireInput{HirerID: "client-x", HiredID: "creator-y"})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.msgs.Append(ctx, c.ID, "client-x", text("burst"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.pending(t, c.ID, "creator-y"))
	assert.Equal(t, 0, f.pending(t, c.ID, "client-x"))
}
