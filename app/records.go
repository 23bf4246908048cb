package app

import "time"

// Records owned by the document store. The store itself is an external
// collaborator; these are the shapes the workload functions read and write.

type User struct {
	Id             string
	Email          string
	FullName       string
	Username       string
	ProfilePicture string
}

const CONNECTION_STATUS_PENDING = "pending"
const CONNECTION_STATUS_ACCEPTED = "accepted"

type Connection struct {
	Id         string
	FromUserId string
	ToUserId   string
	Status     string
}

type Story struct {
	Id        string
	UserId    string
	Content   string
	MediaUrl  string
	MediaType string
	CreatedAt time.Time
}

type Message struct {
	Id         string
	FromUserId string
	ToUserId   string
	Text       string
	Seen       bool
}
