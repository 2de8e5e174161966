package domain

// AccountState enumerates the sync states an account moves through.
type AccountState int

const (
	AccountUninitialized AccountState = iota
	AccountConnecting
	AccountSyncing
	AccountIdle
	AccountOffline
	AccountFailed
)

func (s AccountState) String() string {
	switch s {
	case AccountUninitialized:
		return "uninitialized"
	case AccountConnecting:
		return "connecting"
	case AccountSyncing:
		return "syncing"
	case AccountIdle:
		return "idle"
	case AccountOffline:
		return "offline"
	case AccountFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AccountStatus pairs a state with the reason for a Failed transition.
type AccountStatus struct {
	State  AccountState
	Reason string
}

func (s AccountStatus) String() string {
	if s.State == AccountFailed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.State.String()
}

// Account identifies one configured mail account. The coordinator owns
// the account's backend exclusively for the life of the session.
type Account struct {
	Name    string
	Backend string
	Status  AccountStatus
}
