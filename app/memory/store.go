package memory

import (
	"context"
	"sync"

	"github.com/letsconnect/flowkit/app"
)

var _ app.UserStore = new(DocumentStore)
var _ app.ConnectionStore = new(DocumentStore)
var _ app.StoryStore = new(DocumentStore)
var _ app.MessageStore = new(DocumentStore)

// DocumentStore is an in-memory stand-in for the application's document
// database, used by tests and development deployments.
type DocumentStore struct {
	mu          sync.Mutex
	users       map[string]app.User
	connections map[string]app.Connection
	stories     map[string]app.Story
	messages    map[string]app.Message
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		users:       make(map[string]app.User),
		connections: make(map[string]app.Connection),
		stories:     make(map[string]app.Story),
		messages:    make(map[string]app.Message),
	}
}

func (s *DocumentStore) GetUser(ctx context.Context, id string) (*app.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, app.NotFoundError{Kind: "user", Id: id}
	}
	return &user, nil
}

func (s *DocumentStore) FindByUsername(ctx context.Context, username string) (*app.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			u := user
			return &u, nil
		}
	}
	return nil, app.NotFoundError{Kind: "user", Id: username}
}

func (s *DocumentStore) CreateUser(ctx context.Context, user *app.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Id] = *user
	return nil
}

func (s *DocumentStore) UpdateUser(ctx context.Context, user *app.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Id]; !ok {
		return app.NotFoundError{Kind: "user", Id: user.Id}
	}
	s.users[user.Id] = *user
	return nil
}

func (s *DocumentStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return app.NotFoundError{Kind: "user", Id: id}
	}
	delete(s.users, id)
	return nil
}

func (s *DocumentStore) PutConnection(connection app.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connection.Id] = connection
}

func (s *DocumentStore) GetConnection(ctx context.Context, id string) (*app.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.connections[id]
	if !ok {
		return nil, app.NotFoundError{Kind: "connection", Id: id}
	}
	return &connection, nil
}

func (s *DocumentStore) PutStory(story app.Story) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories[story.Id] = story
}

func (s *DocumentStore) GetStory(ctx context.Context, id string) (*app.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[id]
	if !ok {
		return nil, app.NotFoundError{Kind: "story", Id: id}
	}
	return &story, nil
}

func (s *DocumentStore) DeleteStory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[id]; !ok {
		return app.NotFoundError{Kind: "story", Id: id}
	}
	delete(s.stories, id)
	return nil
}

func (s *DocumentStore) PutMessage(message app.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.Id] = message
}

func (s *DocumentStore) ListUnseen(ctx context.Context) ([]app.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unseen []app.Message
	for _, message := range s.messages {
		if !message.Seen {
			unseen = append(unseen, message)
		}
	}
	return unseen, nil
}
