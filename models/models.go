package models

import "time"

type User struct {
	ID           int64
	Ocid         string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    int64 // unix seconds as sent by the client
}

// MessageType mirrors the client opcodes for content frames.
type MessageType int

const (
	MessageText MessageType = iota
	MessageEmoji
	MessagePicture
	MessageFile
)

type Message struct {
	ID        int64
	Type      MessageType
	Payload   string // raw JSON of the request data object
	SenderID  int64
	GroupID   int64
	Timestamp time.Time
}
