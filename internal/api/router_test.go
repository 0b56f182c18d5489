package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/animatch/matchmaker/internal/apperr"
	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/matching"
	"github.com/animatch/matchmaker/internal/notify"
	"github.com/animatch/matchmaker/internal/ratelimit"
	"github.com/animatch/matchmaker/internal/session"
	"github.com/animatch/matchmaker/internal/user"
)

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Join(ctx context.Context, userID string) (*matching.JoinResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*matching.JoinResult)
	return res, args.Error(1)
}

func (m *mockQueue) Check(ctx context.Context, userID string) (*matching.Status, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*matching.Status)
	return res, args.Error(1)
}

func (m *mockQueue) Leave(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) NextChat(ctx context.Context, userID string) (*session.NextChatResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*session.NextChatResult)
	return res, args.Error(1)
}

func (m *mockSessions) Active(ctx context.Context, userID string) (*session.Session, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*session.Session)
	return res, args.Error(1)
}

func (m *mockSessions) ActiveMatch(ctx context.Context, userID string) (*session.MatchSummary, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*session.MatchSummary)
	return res, args.Error(1)
}

func (m *mockSessions) SendMessage(ctx context.Context, userID, text string) (*session.SendResult, error) {
	args := m.Called(ctx, userID, text)
	res, _ := args.Get(0).(*session.SendResult)
	return res, args.Error(1)
}

func (m *mockSessions) Save(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	args := m.Called(ctx, userID, sessionID)
	res, _ := args.Get(0).(*session.Session)
	return res, args.Error(1)
}

func (m *mockSessions) History(ctx context.Context, userID string) ([]*session.Session, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).([]*session.Session)
	return res, args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	args := m.Called(ctx, userID, sessionID)
	res, _ := args.Get(0).(*session.Session)
	return res, args.Error(1)
}

func (m *mockSessions) Unmatch(ctx context.Context, userID string) (*session.UnmatchResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*session.UnmatchResult)
	return res, args.Error(1)
}

func (m *mockSessions) UnmatchHistory(ctx context.Context, userID string) ([]session.UnmatchRecord, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).([]session.UnmatchRecord)
	return res, args.Error(1)
}

func (m *mockSessions) Block(ctx context.Context, blockerID, targetID string) error {
	return m.Called(ctx, blockerID, targetID).Error(0)
}

type fakeProfiles struct {
	mu       sync.Mutex
	ensured  []user.Record
	profiles map[string]matching.InterestProfile
}

func (f *fakeProfiles) Ensure(_ context.Context, r user.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, r)
	return nil
}

func (f *fakeProfiles) Profile(_ context.Context, id string) (*matching.InterestProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeProfiles) SetProfile(_ context.Context, id string, p matching.InterestProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = p
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (f *fakeNotifier) Dispatch(_ context.Context, notes []notify.Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notes...)
	return len(notes)
}

type routerFixture struct {
	queue    *mockQueue
	sessions *mockSessions
	profiles *fakeProfiles
	notifier *fakeNotifier
	verifier *auth.Verifier
	handler  http.Handler
	userID   string
	token    string
}

func newRouterFixture(t *testing.T, limiter ratelimit.Checker) *routerFixture {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", time.Hour)
	require.NoError(t, err)

	f := &routerFixture{
		queue:    &mockQueue{},
		sessions: &mockSessions{},
		profiles: &fakeProfiles{profiles: map[string]matching.InterestProfile{}},
		notifier: &fakeNotifier{},
		verifier: v,
		userID:   uuid.NewString(),
	}
	f.token, err = v.Issue(auth.Identity{UserID: f.userID, Email: "a@uni.edu", Username: "alice"})
	require.NoError(t, err)

	h := NewHandler(f.queue, f.sessions, f.profiles, f.notifier, HealthCheck{
		Name:  "redis",
		Check: func(context.Context) error { return nil },
	})
	f.handler = NewRouter(h, v, limiter, RouterConfig{
		CORSOrigins: []string{"http://localhost:3000"},
		CookieName:  "uid",
		Rules: ratelimit.Rules{
			Poll:   ratelimit.Rule{Key: "rl:poll:", Limit: 2, Window: time.Minute},
			Action: ratelimit.Rule{Key: "rl:action:", Limit: 100, Window: time.Minute},
		},
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRouter_RequiresIdentity(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/queue/join", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.queue.AssertNotCalled(t, "Join", mock.Anything, mock.Anything)
}

func TestJoinQueue_EnsuresUser(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.queue.On("Join", mock.Anything, f.userID).Return(&matching.JoinResult{Position: 1}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/queue/join", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["matched"])
	require.Len(t, f.profiles.ensured, 1)
	assert.Equal(t, user.Record{ID: f.userID, Email: "a@uni.edu", Username: "alice"}, f.profiles.ensured[0])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestCheckQueue_WaitingAndMatched(t *testing.T) {
	f := newRouterFixture(t, nil)

	f.queue.On("Check", mock.Anything, f.userID).Return(&matching.Status{
		InQueue:  true,
		WaitTime: 1500 * time.Millisecond,
		Position: 2,
	}, nil).Once()

	rec, body := f.do(t, http.MethodGet, "/api/queue/check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["inQueue"])
	assert.Equal(t, float64(1500), body["waitTime"])
	assert.Equal(t, float64(2), body["position"])
	assert.NotContains(t, body, "chatSession")

	sess, err := session.New(f.userID, uuid.NewString(), matching.StrategySimilarity, 2, time.Now())
	require.NoError(t, err)
	notes := []notify.Notification{notify.New(f.userID, notify.TypeMatchFound, nil)}
	f.queue.On("Check", mock.Anything, f.userID).Return(&matching.Status{
		Matched:       true,
		Session:       sess,
		Notifications: notes,
	}, nil).Once()

	rec, body = f.do(t, http.MethodGet, "/api/queue/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["matched"])
	chat, ok := body["chatSession"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, sess.ID, chat["id"])
	assert.NotContains(t, body, "waitTime")
	assert.Equal(t, notes, f.notifier.notes)
}

func TestCheckQueue_PollRateLimited(t *testing.T) {
	limiter := &memLimiter{counts: map[string]int{}}
	f := newRouterFixture(t, limiter)
	f.queue.On("Check", mock.Anything, f.userID).Return(&matching.Status{}, nil)

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/api/queue/check", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := f.do(t, http.MethodGet, "/api/queue/check", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", body["message"])
}

func TestNextChat_DispatchesNotifications(t *testing.T) {
	f := newRouterFixture(t, nil)
	notes := []notify.Notification{notify.New("p", notify.TypeChatEnded, nil)}
	f.sessions.On("NextChat", mock.Anything, f.userID).Return(&session.NextChatResult{
		SessionID:       "s1",
		ReturnedToQueue: true,
		Notifications:   notes,
	}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/chat/next", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "s1", data["sessionId"])
	assert.Equal(t, true, data["returnedToQueue"])
	assert.Equal(t, notes, f.notifier.notes)
}

func TestNextChat_NotRequeued(t *testing.T) {
	f := newRouterFixture(t, nil)
	notes := []notify.Notification{notify.New("p", notify.TypeChatEnded, nil)}
	f.sessions.On("NextChat", mock.Anything, f.userID).Return(&session.NextChatResult{
		SessionID:     "s1",
		Notifications: notes,
	}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/chat/next", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Chat ended successfully. Please join the queue again.", body["message"])
	assert.Equal(t, false, body["data"].(map[string]any)["returnedToQueue"])
	assert.Equal(t, notes, f.notifier.notes)
}

func TestNextChat_NoActiveSession(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.sessions.On("NextChat", mock.Anything, f.userID).Return(nil, apperr.NotFound("No active chat session"))

	rec, body := f.do(t, http.MethodPost, "/api/chat/next", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "No active chat session", body["message"])
	assert.Empty(t, f.notifier.notes)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.sessions.On("Active", mock.Anything, f.userID).Return(nil, apperr.Internal(errors.New("pq: connection refused")))

	rec, body := f.do(t, http.MethodGet, "/api/chat/active", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["message"])
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestSaveAndGetSession_RouteParams(t *testing.T) {
	f := newRouterFixture(t, nil)
	sess, err := session.New(f.userID, uuid.NewString(), matching.StrategyRandom, 0, time.Now())
	require.NoError(t, err)

	f.sessions.On("Save", mock.Anything, f.userID, sess.ID).Return(sess.Summary(), nil)
	f.sessions.On("Get", mock.Anything, f.userID, sess.ID).Return(nil, apperr.Forbidden("This chat has not been saved"))

	rec, body := f.do(t, http.MethodPost, "/api/chat/"+sess.ID+"/save", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "chat")

	rec, body = f.do(t, http.MethodGet, "/api/chat/"+sess.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "This chat has not been saved", body["message"])
}

func TestHistory_EmptyIsArray(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.sessions.On("History", mock.Anything, f.userID).Return(nil, nil)

	rec, _ := f.do(t, http.MethodGet, "/api/chat/history", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSendMessage_Validation(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec, body := f.do(t, http.MethodPost, "/api/chat/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text is required", body["message"])

	rec, _ = f.do(t, http.MethodPost, "/api/chat/messages", `{"txt":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.sessions.On("SendMessage", mock.Anything, f.userID, "hi").Return(&session.SendResult{
		SessionID: "s1",
		Message:   session.Message{Sender: f.userID, Text: "hi"},
	}, nil)
	rec, body = f.do(t, http.MethodPost, "/api/chat/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
}

func TestUnmatch_Response(t *testing.T) {
	f := newRouterFixture(t, nil)
	now := time.Now()
	f.sessions.On("Unmatch", mock.Anything, f.userID).Return(&session.UnmatchResult{
		MatchID:          "m1",
		PartnerUsername:  "bob",
		UnmatchedAt:      now,
		NotificationSent: true,
		Notifications: []notify.Notification{
			notify.New("bob-id", notify.TypeUnmatched, nil),
			notify.New(f.userID, notify.TypeUnmatchConfirmed, nil),
		},
	}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/unmatch", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "m1", data["matchId"])
	assert.Equal(t, "bob", data["partnerUsername"])
	assert.Equal(t, true, data["notificationSent"])
	assert.Len(t, f.notifier.notes, 2)
}

func TestUnmatchHistory_Envelope(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.sessions.On("UnmatchHistory", mock.Anything, f.userID).Return([]session.UnmatchRecord{
		{MatchID: "m1", PartnerUsername: "bob", WasInitiator: true},
	}, nil)

	rec, body := f.do(t, http.MethodGet, "/api/unmatch/history", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	history := body["history"].([]any)
	assert.Equal(t, true, history[0].(map[string]any)["wasInitiator"])
}

func TestBlockUser(t *testing.T) {
	f := newRouterFixture(t, nil)
	target := uuid.NewString()
	f.sessions.On("Block", mock.Anything, f.userID, target).Return(nil)
	f.sessions.On("Block", mock.Anything, f.userID, f.userID).Return(apperr.Invalid("You cannot block yourself"))

	rec, body := f.do(t, http.MethodPost, "/api/users/block/"+target, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User blocked", body["msg"])

	rec, body = f.do(t, http.MethodPost, "/api/users/block/"+f.userID, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "You cannot block yourself", body["message"])
}

func TestBlockUser_UnknownBlocker(t *testing.T) {
	f := newRouterFixture(t, nil)
	target := uuid.NewString()
	f.sessions.On("Block", mock.Anything, f.userID, target).Return(apperr.NotFound("User not found"))

	rec, body := f.do(t, http.MethodPost, "/api/users/block/"+target, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found", body["message"])
	assert.Empty(t, f.profiles.ensured)
}

func TestProfile_ReadAndReplace(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/profile", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "", data["course"])
	assert.Equal(t, []any{}, data["organizations"])

	rec, _ = f.do(t, http.MethodPut, "/api/profile/interests", `{"course":"CS","organizations":["Chess Club"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, matching.InterestProfile{Course: "CS", Organizations: []string{"Chess Club"}}, f.profiles.profiles[f.userID])

	rec, _ = f.do(t, http.MethodPut, "/api/profile/interests", `{"organizations":[""]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestHealth_Degraded(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, HealthCheck{
		Name:  "postgres",
		Check: func(context.Context) error { return errors.New("down") },
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

type memLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *memLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[rule.Key+id]++
	return l.counts[rule.Key+id] <= rule.Limit, nil
}
