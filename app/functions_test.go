package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/letsconnect/flowkit/app"
	appmemory "github.com/letsconnect/flowkit/app/memory"
	"github.com/letsconnect/flowkit/engine"
	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence/memory"
	"github.com/letsconnect/flowkit/registry"
	"github.com/letsconnect/flowkit/retry"
	"github.com/letsconnect/flowkit/service"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []app.Email
}

func (m *recordingMailer) Send(ctx context.Context, email app.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *recordingMailer) emails() []app.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]app.Email(nil), m.sent...)
}

type harness struct {
	docs      *appmemory.DocumentStore
	mailer    *recordingMailer
	functions *app.Functions
	storage   *memory.Storage
	service   *service.ExecutionService
	now       time.Time
	mu        sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		docs:   appmemory.NewDocumentStore(),
		mailer: &recordingMailer{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.functions = &app.Functions{
		Users:       h.docs,
		Connections: h.docs,
		Stories:     h.docs,
		Messages:    h.docs,
		Mailer:      h.mailer,
		FrontendURL: "https://letsconnect.example",
	}
	reg := registry.New()
	require.NoError(t, h.functions.Register(reg))
	h.storage = memory.NewStorage()
	eng := engine.NewStepEngine(reg, h.storage, retry.NoRetry()).WithClock(h.clock)
	h.service = service.NewExecutionService(reg, h.storage, eng)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advanceClock(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// wakeDue polls the wake queue and resumes whatever is due, the way the
// scheduler does.
func (h *harness) wakeDue(t *testing.T) {
	t.Helper()
	due, err := h.storage.PollDue(h.clock())
	require.NoError(t, err)
	for _, wake := range due {
		require.NoError(t, h.service.WakeRun(context.Background(), wake.RunId))
		require.NoError(t, h.storage.Remove(wake))
	}
}

func (h *harness) deliver(t *testing.T, eventId string, name string, data map[string]any) {
	t.Helper()
	event := model.Event{Id: eventId, Name: name, Data: data, OccurredAt: h.clock()}
	require.NoError(t, h.service.OnEvent(context.Background(), event))
}

func identityPayload(id string, email string, first string, last string) map[string]any {
	return map[string]any{
		"id":              id,
		"first_name":      first,
		"last_name":       last,
		"image_url":       "https://img.example/" + id,
		"email_addresses": []any{map[string]any{"email_address": email}},
	}
}

func TestUserCreationSyncsProfile(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, "evt-1", app.EVENT_USER_CREATED, identityPayload("user-1", "alice@example.com", "Alice", "Ray"))

	user, err := h.docs.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.Equal(t, "Alice Ray", user.FullName)
	require.Equal(t, "alice", user.Username)
}

func TestUserCreationResolvesUsernameCollision(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.docs.CreateUser(context.Background(), &app.User{Id: "user-1", Username: "alice", Email: "alice@example.com"}))

	h.deliver(t, "evt-2", app.EVENT_USER_CREATED, identityPayload("user-2", "alice@other.com", "Alice", "Stone"))

	user, err := h.docs.GetUser(context.Background(), "user-2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(user.Username, "alice"))
	require.NotEqual(t, "alice", user.Username)
}

func TestUserUpdateAndDeletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.docs.CreateUser(context.Background(), &app.User{Id: "user-1", Username: "alice", Email: "old@example.com"}))

	h.deliver(t, "evt-1", app.EVENT_USER_UPDATED, identityPayload("user-1", "new@example.com", "Alice", "Ray"))
	user, err := h.docs.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "new@example.com", user.Email)

	h.deliver(t, "evt-2", app.EVENT_USER_DELETED, map[string]any{"id": "user-1"})
	_, err = h.docs.GetUser(context.Background(), "user-1")
	require.True(t, app.IsNotFound(err))

	// deleting an unknown user is benign
	h.deliver(t, "evt-3", app.EVENT_USER_DELETED, map[string]any{"id": "user-9"})
}

func seedConnection(h *harness, status string) {
	h.docs.PutConnection(app.Connection{Id: "conn-1", FromUserId: "user-from", ToUserId: "user-to", Status: status})
	h.docs.CreateUser(context.Background(), &app.User{Id: "user-from", Username: "bob", FullName: "Bob Lee", Email: "bob@example.com"})
	h.docs.CreateUser(context.Background(), &app.User{Id: "user-to", Username: "alice", FullName: "Alice Ray", Email: "alice@example.com"})
}

func TestConnectionReminderSentWhenStillPending(t *testing.T) {
	h := newHarness(t)
	seedConnection(h, app.CONNECTION_STATUS_PENDING)

	h.deliver(t, "evt-1", app.EVENT_CONNECTION_REQUEST, map[string]any{"connectionId": "conn-1"})

	sent := h.mailer.emails()
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].To)
	require.Contains(t, sent[0].Subject, "New Connection Request")
	require.Contains(t, sent[0].Body, "Bob Lee")

	// duplicate delivery before the wake resolves to the same run and
	// repeats nothing
	h.deliver(t, "evt-1", app.EVENT_CONNECTION_REQUEST, map[string]any{"connectionId": "conn-1"})
	require.Len(t, h.mailer.emails(), 1)

	h.advanceClock(25 * time.Hour)
	h.wakeDue(t)

	sent = h.mailer.emails()
	require.Len(t, sent, 2)
	require.Contains(t, sent[1].Subject, "Reminder")
	require.Equal(t, "alice@example.com", sent[1].To)
}

func TestConnectionReminderSuppressedOnceAccepted(t *testing.T) {
	h := newHarness(t)
	seedConnection(h, app.CONNECTION_STATUS_PENDING)

	h.deliver(t, "evt-1", app.EVENT_CONNECTION_REQUEST, map[string]any{"connectionId": "conn-1"})
	require.Len(t, h.mailer.emails(), 1)

	// recipient accepts during the sleep
	h.docs.PutConnection(app.Connection{Id: "conn-1", FromUserId: "user-from", ToUserId: "user-to", Status: app.CONNECTION_STATUS_ACCEPTED})

	h.advanceClock(25 * time.Hour)
	h.wakeDue(t)
	require.Len(t, h.mailer.emails(), 1)

	run, err := h.service.GetRun(service.RunIdForEvent("send-new-connection-request-reminder", "evt-1"))
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_COMPLETED, run.Status)
}

func TestConnectionReminderMissingConnectionIsBenign(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, "evt-1", app.EVENT_CONNECTION_REQUEST, map[string]any{"connectionId": "conn-missing"})
	require.Empty(t, h.mailer.emails())

	h.advanceClock(25 * time.Hour)
	h.wakeDue(t)
	require.Empty(t, h.mailer.emails())

	run, err := h.service.GetRun(service.RunIdForEvent("send-new-connection-request-reminder", "evt-1"))
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_COMPLETED, run.Status)
}

func TestStoryDeletedAfterADay(t *testing.T) {
	h := newHarness(t)
	h.docs.PutStory(app.Story{Id: "story-1", UserId: "user-1"})

	h.deliver(t, "evt-1", app.EVENT_STORY_CREATED, map[string]any{"storyId": "story-1"})
	_, err := h.docs.GetStory(context.Background(), "story-1")
	require.NoError(t, err)

	h.advanceClock(25 * time.Hour)
	h.wakeDue(t)

	_, err = h.docs.GetStory(context.Background(), "story-1")
	require.True(t, app.IsNotFound(err))
}

func TestStoryExpiryToleratesManualDeletion(t *testing.T) {
	h := newHarness(t)
	h.docs.PutStory(app.Story{Id: "story-1", UserId: "user-1"})

	h.deliver(t, "evt-1", app.EVENT_STORY_CREATED, map[string]any{"storyId": "story-1"})
	require.NoError(t, h.docs.DeleteStory(context.Background(), "story-1"))

	h.advanceClock(25 * time.Hour)
	h.wakeDue(t)

	run, err := h.service.GetRun(service.RunIdForEvent("delete-story", "evt-1"))
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_COMPLETED, run.Status)
}

func TestUnseenDigestGroupsByRecipient(t *testing.T) {
	h := newHarness(t)
	h.docs.CreateUser(context.Background(), &app.User{Id: "user-a", Username: "alice", FullName: "Alice Ray", Email: "alice@example.com"})
	h.docs.CreateUser(context.Background(), &app.User{Id: "user-b", Username: "bob", FullName: "Bob Lee", Email: "bob@example.com"})
	h.docs.CreateUser(context.Background(), &app.User{Id: "user-c", Username: "cara", FullName: "Cara Im", Email: "cara@example.com"})
	h.docs.PutMessage(app.Message{Id: "m1", ToUserId: "user-a", Seen: false})
	h.docs.PutMessage(app.Message{Id: "m2", ToUserId: "user-a", Seen: false})
	h.docs.PutMessage(app.Message{Id: "m3", ToUserId: "user-b", Seen: false})
	h.docs.PutMessage(app.Message{Id: "m4", ToUserId: "user-c", Seen: true})

	def := h.functions.UnseenMessagesNotification()
	boundary := time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	require.NoError(t, h.service.FireCron(context.Background(), def, boundary))

	byRecipient := make(map[string]string)
	for _, email := range h.mailer.emails() {
		byRecipient[email.To] = email.Subject
	}
	require.Len(t, byRecipient, 2)
	require.Contains(t, byRecipient["alice@example.com"], "2 unseen")
	require.Contains(t, byRecipient["bob@example.com"], "1 unseen")
	require.NotContains(t, byRecipient, "cara@example.com")

	// the same boundary never produces a second batch
	require.NoError(t, h.service.FireCron(context.Background(), def, boundary))
	require.Len(t, h.mailer.emails(), 2)
}

func TestMalformedIdentityPayloadRejected(t *testing.T) {
	h := newHarness(t)

	event := model.Event{Id: "evt-1", Name: app.EVENT_USER_CREATED, Data: map[string]any{"id": "user-1"}}
	err := h.service.OnEvent(context.Background(), event)
	var invalid service.InvalidPayloadError
	require.ErrorAs(t, err, &invalid)
}
