package app

import (
	"context"
	"fmt"
)

type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

func IsNotFound(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// Narrow views over the application's document store. Reads return
// NotFoundError for missing records; deletes tolerate absence at the
// caller's discretion. Method names stay distinct so one store can back all
// four views.

type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id string) error
}

type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*Connection, error)
}

type StoryStore interface {
	GetStory(ctx context.Context, id string) (*Story, error)
	DeleteStory(ctx context.Context, id string) error
}

type MessageStore interface {
	ListUnseen(ctx context.Context) ([]Message, error)
}
