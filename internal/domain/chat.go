package domain

// ChatMessage is immutable once created. The relay fans it out at send
// time and never stores it; clients may keep a bounded local history.
type ChatMessage struct {
	SenderID   UserID `json:"userId"`
	SenderName string `json:"userName"`
	Text       string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}
