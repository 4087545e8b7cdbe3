package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"estate-chat/internal/latch"
	"estate-chat/internal/mocks"
	"estate-chat/internal/models"
	"estate-chat/internal/obs"
	"estate-chat/internal/repositories"
)

type recordingHub struct {
	mu       sync.Mutex
	messages []models.Message
	reads    []int
}

func (h *recordingHub) BroadcastMessage(_ string, msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHub) BroadcastRead(_ string, _ string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, count)
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    int
	started int
	read    int
}

func (n *recordingNotifier) MessageSent(context.Context, models.Message) {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
}

func (n *recordingNotifier) ConversationStarted(context.Context, models.Conversation) {
	n.mu.Lock()
	n.started++
	n.mu.Unlock()
}

func (n *recordingNotifier) MessagesRead(context.Context, string, string, int) {
	n.mu.Lock()
	n.read++
	n.mu.Unlock()
}

type fixture struct {
	svc           *Service
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	listings      *mocks.ListingRepositoryMock
	hub           *recordingHub
	events        *recordingNotifier
}

func newFixture() fixture {
	f := fixture{
		conversations: new(mocks.ConversationRepositoryMock),
		messages:      new(mocks.MessageRepositoryMock),
		listings:      new(mocks.ListingRepositoryMock),
		hub:           &recordingHub{},
		events:        &recordingNotifier{},
	}
	f.svc = NewService(f.conversations, f.messages, f.listings, latch.NewMemory(), f.hub, f.events, obs.Discard())
	return f
}

var conv = models.Conversation{ID: "c1", PropertyID: "p1", BuyerID: "buyer", AgentID: "agent"}

func TestLoadWithoutSelection(t *testing.T) {
	f := newFixture()

	th, err := f.svc.Load(context.Background(), "buyer", "", Page{})
	require.NoError(t, err)
	assert.False(t, th.Selected)
	assert.Empty(t, th.Messages)
	f.conversations.AssertNotCalled(t, "GetConversation", mock.Anything, mock.Anything)
}

func TestLoadEmptyConversation(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("ListMessages", mock.Anything, "c1", "", 0).Return([]models.Message{}, nil)

	th, err := f.svc.Load(context.Background(), "agent", "c1", Page{})
	require.NoError(t, err)
	assert.True(t, th.Selected)
	assert.NotNil(t, th.Messages)
	assert.Empty(t, th.Messages)
}

func TestLoadRejectsOutsider(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)

	_, err := f.svc.Load(context.Background(), "stranger", "c1", Page{})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestLoadUnknownConversation(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "nope").Return(nil, repositories.ErrConversationNotFound)

	_, err := f.svc.Load(context.Background(), "buyer", "nope", Page{})
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
}

func TestLoadPageSetsCursor(t *testing.T) {
	f := newFixture()
	base := time.Now()
	page := []models.Message{
		{ID: "m1", CreatedAt: base},
		{ID: "m2", CreatedAt: base.Add(time.Second)},
		{ID: "m3", CreatedAt: base.Add(2 * time.Second)},
	}
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("ListMessages", mock.Anything, "c1", "m9", 3).Return(page, nil)

	th, err := f.svc.Load(context.Background(), "buyer", "c1", Page{Before: "m9", Limit: 2})
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "m2", th.Messages[0].ID)
	assert.Equal(t, "m3", th.Messages[1].ID)
	assert.Equal(t, "m2", th.NextCursor)
}

func TestLoadLastPageHasNoCursor(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("ListMessages", mock.Anything, "c1", "", 51).Return([]models.Message{{ID: "m1"}}, nil)

	th, err := f.svc.Load(context.Background(), "buyer", "c1", Page{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, th.Messages, 1)
	assert.Empty(t, th.NextCursor)
}

func TestSendWhitespaceIsNoop(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Send(context.Background(), "buyer", "c1", "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.conversations.AssertNotCalled(t, "GetConversation", mock.Anything, mock.Anything)
}

func TestSendTrimsAndBroadcasts(t *testing.T) {
	f := newFixture()
	stored := models.Message{ID: "m1", ConversationID: "c1", SenderID: "buyer", Content: "Hello"}
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("CreateMessage", mock.Anything, "c1", "buyer", "Hello").Return(stored, nil).Once()

	msg, err := f.svc.Send(context.Background(), "buyer", "c1", "  Hello  ")
	require.NoError(t, err)
	assert.Equal(t, stored, msg)
	assert.Equal(t, []models.Message{stored}, f.hub.messages)
	assert.Equal(t, 1, f.events.sent)
}

func TestSendRejectsOutsider(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)

	_, err := f.svc.Send(context.Background(), "stranger", "c1", "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendWhileInFlightIsDropped(t *testing.T) {
	f := newFixture()
	entered := make(chan struct{})
	release := make(chan struct{})
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("CreateMessage", mock.Anything, "c1", "buyer", "first").
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(models.Message{ID: "m1", Content: "first"}, nil).Once()
	f.messages.On("CreateMessage", mock.Anything, "c1", "buyer", "third").
		Return(models.Message{ID: "m2", Content: "third"}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Send(context.Background(), "buyer", "c1", "first")
		done <- err
	}()
	<-entered

	_, err := f.svc.Send(context.Background(), "buyer", "c1", "second")
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(release)
	require.NoError(t, <-done)

	_, err = f.svc.Send(context.Background(), "buyer", "c1", "third")
	require.NoError(t, err)
	f.messages.AssertNumberOfCalls(t, "CreateMessage", 2)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, "c1", "buyer", "second")
}

func TestSendFailureReleasesLatch(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("CreateMessage", mock.Anything, "c1", "agent", "retry me").Return(nil, errors.New("insert failed")).Once()
	f.messages.On("CreateMessage", mock.Anything, "c1", "agent", "retry me").Return(models.Message{ID: "m1"}, nil).Once()

	_, err := f.svc.Send(context.Background(), "agent", "c1", "retry me")
	require.Error(t, err)
	assert.Empty(t, f.hub.messages)

	_, err = f.svc.Send(context.Background(), "agent", "c1", "retry me")
	require.NoError(t, err)
}

func TestMarkRead(t *testing.T) {
	f := newFixture()
	f.conversations.On("GetConversation", mock.Anything, "c1").Return(conv, nil)
	f.messages.On("MarkRead", mock.Anything, "c1", "agent").Return(2, nil).Once()
	f.messages.On("MarkRead", mock.Anything, "c1", "agent").Return(0, nil).Once()

	n, err := f.svc.MarkRead(context.Background(), "agent", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.MarkRead(context.Background(), "agent", "c1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []int{2}, f.hub.reads)
	assert.Equal(t, 1, f.events.read)
}

func TestStartCreatesOnce(t *testing.T) {
	f := newFixture()
	f.listings.On("GetProperty", mock.Anything, "p1").Return(models.PropertySummary{ID: "p1", AgentID: "agent"}, nil)
	f.conversations.On("CreateOrGet", mock.Anything, "p1", "buyer", "agent").Return(conv, true, nil).Once()
	f.conversations.On("CreateOrGet", mock.Anything, "p1", "buyer", "agent").Return(conv, false, nil).Once()

	first, created, err := f.svc.Start(context.Background(), "buyer", "p1")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.svc.Start(context.Background(), "buyer", "p1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.events.started)
}

func TestStartOwnListing(t *testing.T) {
	f := newFixture()
	f.listings.On("GetProperty", mock.Anything, "p1").Return(models.PropertySummary{ID: "p1", AgentID: "agent"}, nil)

	_, _, err := f.svc.Start(context.Background(), "agent", "p1")
	assert.ErrorIs(t, err, ErrOwnListing)
	f.conversations.AssertNotCalled(t, "CreateOrGet", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStartUnknownProperty(t *testing.T) {
	f := newFixture()
	f.listings.On("GetProperty", mock.Anything, "p404").Return(nil, repositories.ErrPropertyNotFound)

	_, _, err := f.svc.Start(context.Background(), "buyer", "p404")
	assert.ErrorIs(t, err, repositories.ErrPropertyNotFound)
}
