package domain

type RoomName string

// DefaultRoom is where clients land when join carries no room.
const DefaultRoom RoomName = "atrium"
