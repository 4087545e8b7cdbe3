package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"estate-chat/internal/directory"
	"estate-chat/internal/latch"
	"estate-chat/internal/mocks"
	"estate-chat/internal/models"
	"estate-chat/internal/obs"
	"estate-chat/internal/repositories"
	"estate-chat/internal/telemetry"
	"estate-chat/internal/thread"
	"estate-chat/internal/ws"
)

const (
	convID     = "0d5b4cc6-1a55-4c39-8f6e-4a0b7a3c2f10"
	propertyID = "8f14e45f-ceea-467f-a0e6-2b1c3d4e5f60"
)

type testDeps struct {
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	listings      *mocks.ListingRepositoryMock
	publisher     *mocks.PublisherMock
}

func newTestDeps() testDeps {
	return testDeps{
		conversations: new(mocks.ConversationRepositoryMock),
		messages:      new(mocks.MessageRepositoryMock),
		listings:      new(mocks.ListingRepositoryMock),
		publisher:     new(mocks.PublisherMock),
	}
}

func (d testDeps) handler() *ConversationHandler {
	logger := obs.Discard()
	dir := directory.NewService(d.conversations, d.messages, d.listings, d.listings, 2, logger)
	threads := thread.NewService(d.conversations, d.messages, d.listings, latch.NewMemory(),
		ws.NewHub(nil, logger), telemetry.NewEventEmitter(nil, "estate-chat", logger), logger)
	audit := telemetry.NewAuditEmitter(d.publisher, "audit.chat", "estate-chat", "test", logger)
	return NewConversationHandler(dir, threads, audit, logger)
}

func setupRouter(handler *ConversationHandler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations", handler.StartConversation)
	r.GET("/conversations/:conversation_id/messages", handler.GetMessages)
	r.POST("/conversations/:conversation_id/messages", handler.PostMessage)
	r.POST("/conversations/:conversation_id/read", handler.MarkRead)
	return r
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var conversation = models.Conversation{ID: convID, PropertyID: propertyID, BuyerID: "buyer", AgentID: "agent"}

func TestListConversationsFiltersByQuery(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")
	now := time.Now()
	other := models.Conversation{ID: "c2", PropertyID: "p2", BuyerID: "buyer", AgentID: "agent-2", UpdatedAt: now.Add(-time.Hour)}

	deps.conversations.On("ListForUser", mock.Anything, "buyer").Return([]models.Conversation{conversation, other}, nil).Once()
	deps.listings.On("GetProperty", mock.Anything, propertyID).Return(models.PropertySummary{ID: propertyID, Title: "Loft"}, nil)
	deps.listings.On("GetProperty", mock.Anything, "p2").Return(models.PropertySummary{ID: "p2", Title: "Cottage"}, nil)
	deps.listings.On("GetProfile", mock.Anything, "agent").Return(models.Profile{ID: "agent", Name: "John Smith"}, nil)
	deps.listings.On("GetProfile", mock.Anything, "agent-2").Return(models.Profile{ID: "agent-2", Name: "Jane Doe"}, nil)
	deps.messages.On("LatestMessage", mock.Anything, mock.Anything).Return(nil, nil)
	deps.messages.On("CountUnread", mock.Anything, mock.Anything, "buyer").Return(0, nil)

	rec := serve(router, http.MethodGet, "/conversations?q=smith", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationView `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, convID, resp.Conversations[0].ID)
	assert.Equal(t, "John Smith", resp.Conversations[0].Counterpart.Name)
	deps.conversations.AssertExpectations(t)
}

func TestListConversationsFailsOpen(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")
	deps.conversations.On("ListForUser", mock.Anything, "buyer").Return(nil, assert.AnError).Once()

	rec := serve(router, http.MethodGet, "/conversations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestStartConversation(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")
	deps.listings.On("GetProperty", mock.Anything, propertyID).Return(models.PropertySummary{ID: propertyID, AgentID: "agent"}, nil)
	deps.conversations.On("CreateOrGet", mock.Anything, propertyID, "buyer", "agent").Return(conversation, true, nil).Once()
	deps.conversations.On("CreateOrGet", mock.Anything, propertyID, "buyer", "agent").Return(conversation, false, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations", `{"property_id":"`+propertyID+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(router, http.MethodPost, "/conversations", `{"property_id":"`+propertyID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversation models.Conversation `json:"conversation"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, convID, resp.Conversation.ID)
}

func TestStartConversationErrors(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "agent")
	missing := "11111111-2222-4333-8444-555555555555"
	deps.listings.On("GetProperty", mock.Anything, propertyID).Return(models.PropertySummary{ID: propertyID, AgentID: "agent"}, nil)
	deps.listings.On("GetProperty", mock.Anything, missing).Return(nil, repositories.ErrPropertyNotFound)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/conversations", `{"property_id":"`+propertyID+`"}`).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodPost, "/conversations", `{"property_id":"`+missing+`"}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/conversations", `{"property_id":"nope"}`).Code)
	deps.conversations.AssertNotCalled(t, "CreateOrGet", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMessagesReturnsThread(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "agent")
	base := time.Now()
	msgs := []models.Message{
		{ID: "m1", ConversationID: convID, SenderID: "buyer", Content: "Hello", CreatedAt: base},
		{ID: "m2", ConversationID: convID, SenderID: "agent", Content: "Hi there", CreatedAt: base.Add(time.Second)},
	}
	deps.conversations.On("GetConversation", mock.Anything, convID).Return(conversation, nil)
	deps.messages.On("ListMessages", mock.Anything, convID, "", 0).Return(msgs, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations/"+convID+"/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var th thread.Thread
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&th))
	assert.True(t, th.Selected)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "m1", th.Messages[0].ID)
	assert.Equal(t, "m2", th.Messages[1].ID)
}

func TestGetMessagesErrors(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "stranger")
	unknown := "99999999-9999-4999-8999-999999999999"
	deps.conversations.On("GetConversation", mock.Anything, convID).Return(conversation, nil)
	deps.conversations.On("GetConversation", mock.Anything, unknown).Return(nil, repositories.ErrConversationNotFound)

	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/conversations/"+convID+"/messages", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/conversations/"+unknown+"/messages", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/conversations/not-a-uuid/messages", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/conversations/"+convID+"/messages?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/conversations/"+convID+"/messages?before=xyz", "").Code)
}

func TestPostMessage(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")
	stored := models.Message{ID: "m1", ConversationID: convID, SenderID: "buyer", Content: "Hello"}
	deps.conversations.On("GetConversation", mock.Anything, convID).Return(conversation, nil)
	deps.messages.On("CreateMessage", mock.Anything, convID, "buyer", "Hello").Return(stored, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"  Hello "}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Message models.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Hello", resp.Message.Content)
	deps.messages.AssertExpectations(t)
}

func TestPostMessageEmptyContent(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")

	rec := serve(router, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"   "}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	deps.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessageStoreFailureIsAudited(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "buyer")
	deps.conversations.On("GetConversation", mock.Anything, convID).Return(conversation, nil)
	deps.messages.On("CreateMessage", mock.Anything, convID, "buyer", "Hello").Return(nil, assert.AnError).Once()
	deps.publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"Hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	deps.publisher.AssertExpectations(t)
	published := deps.publisher.Published("audit.chat")
	require.Len(t, published, 1)
	env := published[0].(telemetry.AuditEnvelope)
	assert.Equal(t, convID, env.Payload.ConversationID)
	assert.Equal(t, http.MethodPost, env.Payload.Method)
	assert.Equal(t, "/conversations/:conversation_id/messages", env.Payload.Route)
	assert.Equal(t, http.StatusInternalServerError, env.Payload.Status)
	require.NotNil(t, env.UserID)
	assert.Equal(t, "buyer", *env.UserID)
}

type stubThreads struct {
	sendErr error
}

func (s stubThreads) Load(context.Context, string, string, thread.Page) (thread.Thread, error) {
	return thread.Thread{}, nil
}

func (s stubThreads) Send(context.Context, string, string, string) (models.Message, error) {
	return models.Message{}, s.sendErr
}

func (s stubThreads) MarkRead(context.Context, string, string) (int, error) {
	return 0, nil
}

func (s stubThreads) Start(context.Context, string, string) (models.Conversation, bool, error) {
	return models.Conversation{}, false, nil
}

func TestPostMessageInFlightConflict(t *testing.T) {
	handler := NewConversationHandler(nil, stubThreads{sendErr: thread.ErrSendInFlight}, nil, obs.Discard())
	router := setupRouter(handler, "buyer")

	rec := serve(router, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"Hello"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMarkRead(t *testing.T) {
	deps := newTestDeps()
	router := setupRouter(deps.handler(), "agent")
	deps.conversations.On("GetConversation", mock.Anything, convID).Return(conversation, nil)
	deps.messages.On("MarkRead", mock.Anything, convID, "agent").Return(1, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+convID+"/read", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", Healthz(stubPinger{}))
	r.GET("/down", Healthz(stubPinger{err: assert.AnError}))

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/ok", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet, "/down", "").Code)
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()
	emitter := telemetry.NewAuditEmitter(publisher, "audit.chat", "estate-chat", "test", obs.Discard())

	r := gin.New()
	RegisterDebugRoutes(r, emitter, publisher, true)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/debug/audit-test", "").Code)
	publisher.AssertExpectations(t)
	env := publisher.Published("audit.chat")[0].(telemetry.AuditEnvelope)
	assert.Equal(t, "/debug/audit-test", env.Payload.Route)
	assert.Equal(t, "INFO", env.Payload.Level)

	rec := serve(r, http.MethodGet, "/debug/publisher", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mock", body["mode"])
	assert.Equal(t, "", body["noop_reason"])

	disabled := gin.New()
	RegisterDebugRoutes(disabled, emitter, publisher, false)
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodGet, "/debug/audit-test", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(disabled, http.MethodGet, "/debug/publisher", "").Code)
}
