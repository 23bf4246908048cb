package app

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/letsconnect/flowkit/flow"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/registry"
	"go.uber.org/zap"
)

const EVENT_USER_CREATED = "clerk/user.created"
const EVENT_USER_UPDATED = "clerk/user.updated"
const EVENT_USER_DELETED = "clerk/user.deleted"
const EVENT_CONNECTION_REQUEST = "app/connection-request"
const EVENT_STORY_CREATED = "app/story.created"

// Daily digest at 09:00 Asia/Kolkata.
const UNSEEN_DIGEST_SCHEDULE = "TZ=Asia/Kolkata 0 9 * * *"

// Functions holds the external collaborators the workload functions run
// against and builds their definitions.
type Functions struct {
	Users       UserStore
	Connections ConnectionStore
	Stories     StoryStore
	Messages    MessageStore
	Mailer      EmailSender
	FrontendURL string
}

// Register registers all six workload functions.
func (f *Functions) Register(reg *registry.Registry) error {
	defs := []*flow.Definition{
		f.SyncUserCreation(),
		f.SyncUserUpdation(),
		f.SyncUserDeletion(),
		f.ConnectionRequestReminder(),
		f.DeleteStory(),
		f.UnseenMessagesNotification(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// SyncUserCreation mirrors an identity-provider user into the document
// store. Username collisions get a random numeric suffix.
func (f *Functions) SyncUserCreation() *flow.Definition {
	return &flow.Definition{
		Id:       "sync-user-from-clerk",
		Trigger:  flow.OnEvent(EVENT_USER_CREATED),
		Validate: validateIdentityPayload,
		Steps: []flow.Step{
			flow.NewStep("sync-user", func(ctx context.Context, fctx flow.Context) (any, error) {
				data := fctx.Event.Data
				id, err := stringField(data, "id")
				if err != nil {
					return nil, err
				}
				email, err := primaryEmail(data)
				if err != nil {
					return nil, err
				}
				username := strings.SplitN(email, "@", 2)[0]
				if _, err := f.Users.FindByUsername(ctx, username); err == nil {
					username = fmt.Sprintf("%s%d", username, rand.Intn(10000))
				} else if !IsNotFound(err) {
					return nil, err
				}
				user := &User{
					Id:             id,
					Email:          email,
					FullName:       strings.TrimSpace(optionalStringField(data, "first_name") + " " + optionalStringField(data, "last_name")),
					ProfilePicture: optionalStringField(data, "image_url"),
					Username:       username,
				}
				if err := f.Users.CreateUser(ctx, user); err != nil {
					return nil, err
				}
				return map[string]string{"username": username}, nil
			}),
		},
	}
}

func (f *Functions) SyncUserUpdation() *flow.Definition {
	return &flow.Definition{
		Id:       "update-user-from-clerk",
		Trigger:  flow.OnEvent(EVENT_USER_UPDATED),
		Validate: validateIdentityPayload,
		Steps: []flow.Step{
			flow.NewStep("update-user", func(ctx context.Context, fctx flow.Context) (any, error) {
				data := fctx.Event.Data
				id, err := stringField(data, "id")
				if err != nil {
					return nil, err
				}
				email, err := primaryEmail(data)
				if err != nil {
					return nil, err
				}
				user, err := f.Users.GetUser(ctx, id)
				if err != nil {
					if IsNotFound(err) {
						logger.Warn("user to update not found", zap.String("userId", id))
						return map[string]string{"message": "User not found"}, nil
					}
					return nil, err
				}
				user.Email = email
				user.FullName = strings.TrimSpace(optionalStringField(data, "first_name") + " " + optionalStringField(data, "last_name"))
				user.ProfilePicture = optionalStringField(data, "image_url")
				if err := f.Users.UpdateUser(ctx, user); err != nil {
					return nil, err
				}
				return map[string]string{"message": "User updated"}, nil
			}),
		},
	}
}

func (f *Functions) SyncUserDeletion() *flow.Definition {
	return &flow.Definition{
		Id:       "delete-user-with-clerk",
		Trigger:  flow.OnEvent(EVENT_USER_DELETED),
		Validate: validateIdOnly("id"),
		Steps: []flow.Step{
			flow.NewStep("delete-user", func(ctx context.Context, fctx flow.Context) (any, error) {
				id, err := stringField(fctx.Event.Data, "id")
				if err != nil {
					return nil, err
				}
				if err := f.Users.DeleteUser(ctx, id); err != nil && !IsNotFound(err) {
					return nil, err
				}
				return map[string]string{"message": "User deleted"}, nil
			}),
		},
	}
}

// ConnectionRequestReminder notifies the recipient of a new connection
// request, sleeps a day, and reminds them only if the request is still not
// accepted.
func (f *Functions) ConnectionRequestReminder() *flow.Definition {
	return &flow.Definition{
		Id:       "send-new-connection-request-reminder",
		Trigger:  flow.OnEvent(EVENT_CONNECTION_REQUEST),
		Validate: validateIdOnly("connectionId"),
		Steps: []flow.Step{
			flow.NewStep("send-connection-request-mail", func(ctx context.Context, fctx flow.Context) (any, error) {
				connectionId, err := stringField(fctx.Event.Data, "connectionId")
				if err != nil {
					return nil, err
				}
				return f.sendConnectionMail(ctx, connectionId, "👋 New Connection Request", false)
			}),
			flow.SleepFor("wait-for-24-hours", 24*time.Hour),
			flow.NewStep("send-connection-request-reminder", func(ctx context.Context, fctx flow.Context) (any, error) {
				connectionId, err := stringField(fctx.Event.Data, "connectionId")
				if err != nil {
					return nil, err
				}
				return f.sendConnectionMail(ctx, connectionId, "👋 Reminder: New Connection Request", true)
			}),
		},
	}
}

// sendConnectionMail sends the request notification or the reminder. A
// missing connection is a benign no-op; an already accepted request
// suppresses the reminder.
func (f *Functions) sendConnectionMail(ctx context.Context, connectionId string, subject string, reminder bool) (any, error) {
	connection, err := f.Connections.GetConnection(ctx, connectionId)
	if err != nil {
		if IsNotFound(err) {
			logger.Warn("connection not found", zap.String("connectionId", connectionId))
			return map[string]string{"message": "Connection not found"}, nil
		}
		return nil, err
	}
	if reminder && connection.Status == CONNECTION_STATUS_ACCEPTED {
		return map[string]string{"message": "Already Accepted"}, nil
	}
	toUser, err := f.Users.GetUser(ctx, connection.ToUserId)
	if err != nil {
		return nil, err
	}
	fromUser, err := f.Users.GetUser(ctx, connection.FromUserId)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`<div style="font-family:Arial, sans-serif; padding:20px;">
  <h2>Hi %s,</h2>
  <p>You have a new connection request from %s - @%s</p>
  <p>Click <a href="%s/connections" style="color:#10b981;">here</a> to accept or reject the request</p>
  <br/>
  <p>Thanks,<br/>LetsConnect - Stay Connected</p>
</div>`, toUser.FullName, fromUser.FullName, fromUser.Username, f.FrontendURL)
	if err := f.Mailer.Send(ctx, Email{To: toUser.Email, Subject: subject, Body: body}); err != nil {
		return nil, err
	}
	if reminder {
		return map[string]string{"message": "Reminder Sent"}, nil
	}
	return map[string]string{"message": "Request Mail Sent"}, nil
}

// DeleteStory removes a story a day after its creation event. A story
// already deleted by hand is not an error.
func (f *Functions) DeleteStory() *flow.Definition {
	return &flow.Definition{
		Id:       "delete-story",
		Trigger:  flow.OnEvent(EVENT_STORY_CREATED),
		Validate: validateIdOnly("storyId"),
		Steps: []flow.Step{
			flow.SleepFor("wait-24-hours", 24*time.Hour),
			flow.NewStep("delete-story", func(ctx context.Context, fctx flow.Context) (any, error) {
				storyId, err := stringField(fctx.Event.Data, "storyId")
				if err != nil {
					return nil, err
				}
				if err := f.Stories.DeleteStory(ctx, storyId); err != nil && !IsNotFound(err) {
					return nil, err
				}
				return map[string]string{"message": "Story deletion process completed"}, nil
			}),
		},
	}
}

// UnseenMessagesNotification sends each recipient one daily digest with
// their unseen message count. Recipients with none get nothing.
func (f *Functions) UnseenMessagesNotification() *flow.Definition {
	return &flow.Definition{
		Id:      "send-unseen-messages-notification",
		Trigger: flow.OnCron(UNSEEN_DIGEST_SCHEDULE),
		Steps: []flow.Step{
			flow.NewStep("send-unseen-notifications", func(ctx context.Context, fctx flow.Context) (any, error) {
				messages, err := f.Messages.ListUnseen(ctx)
				if err != nil {
					return nil, err
				}
				unseenCount := make(map[string]int)
				for _, message := range messages {
					unseenCount[message.ToUserId]++
				}
				sent := 0
				for userId, count := range unseenCount {
					user, err := f.Users.GetUser(ctx, userId)
					if err != nil {
						if IsNotFound(err) {
							logger.Warn("digest recipient not found", zap.String("userId", userId))
							continue
						}
						return nil, err
					}
					subject := fmt.Sprintf("🙋‍♂️🙋‍♀️ You have %d unseen messages", count)
					body := fmt.Sprintf(`<div style="font-family: Arial, sans-serif; padding:20px;">
  <h2>Hi %s,</h2>
  <p>You have %d unseen messages</p>
  <p>Click <a href="%s/messages" style="color:#10b981;">here</a> to view them.</p>
  <br/>
  <p>Thanks,<br/>LetsConnect - Stay Connected</p>
</div>`, user.FullName, count, f.FrontendURL)
					if err := f.Mailer.Send(ctx, Email{To: user.Email, Subject: subject, Body: body}); err != nil {
						return nil, err
					}
					sent++
				}
				return map[string]int{"notified": sent}, nil
			}),
		},
	}
}
