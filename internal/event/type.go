package event

// Routing keys published by this service.
const (
	EventTypeCodeChallenged = "vote.code.challenged"
	EventTypeCodeUnlocked   = "vote.code.unlocked"
	EventTypeVoteSubmitted  = "vote.submitted"
	EventTypeIdentityBanned = "vote.identity.banned"
)

// Routing keys consumed from the admin side. The admin service is the sole
// producer of vote codes; this service only ever receives them.
const (
	EventTypeCodeIssued     = "admin.code.issued"
	EventTypeCodeRevoked    = "admin.code.revoked"
	EventTypeTeacherUpdated = "admin.teacher.updated"
)

// CodeEvent reports a lifecycle step of one vote code. The code itself is
// carried because the bus is internal; nothing here reaches voters.
type CodeEvent struct {
	EventType string `json:"eventType"`
	Code      string `json:"code"`
	Teachers  int    `json:"teachers,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BanEvent reports that an identity exhausted its failure budget.
type BanEvent struct {
	EventType   string `json:"eventType"`
	Identity    string `json:"identity"`
	BannedUntil int64  `json:"bannedUntil"`
	Timestamp   int64  `json:"timestamp"`
}

// AdminEvent is the envelope received from the admin service.
type AdminEvent struct {
	EventType string `json:"eventType"`
	Code      string `json:"code,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	TeacherID string `json:"teacherId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
