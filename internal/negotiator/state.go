package negotiator

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateAwaitingRole   State = "awaiting_role"
	StateOffering       State = "offering"
	StateAwaitingOffer  State = "awaiting_offer"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
	StateErrored        State = "errored"
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// exchanging - роль назначена, идёт или завершён обмен offer/answer
func (s State) exchanging() bool {
	switch s {
	case StateOffering, StateAwaitingOffer, StateNegotiating, StateConnected:
		return true
	}

	return false
}

// Side - сторона звонка в реестре
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

// Role - сторона обмена SDP
type Role string

const (
	RoleNone     Role = ""
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Outcome - итог сессии для метрик
const (
	outcomeConnected    = "connected"
	outcomeClosed       = "closed"
	outcomeTimeout      = "timeout"
	outcomeMediaDenied  = "media_denied"
	outcomeSetupFailure = "setup_failure"
)
