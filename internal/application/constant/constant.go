package constant

// Ключи атрибутов slog
const (
	Error       = "error"
	UserID      = "user_id"
	UserName    = "user_name"
	CallID      = "call_id"
	Participant = "participant"
	State       = "state"
	Status      = "status"
	Role        = "role"
	Topic       = "topic"
	Type        = "type"
	Count       = "count"
)
