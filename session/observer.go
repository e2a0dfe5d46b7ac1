package session

// Redemption is a channel point reward redemption delivered over the events
// session. Reward semantics belong entirely to the observer.
type Redemption struct {
	ID          string `json:"id"`
	RewardID    string `json:"rewardId"`
	RewardTitle string `json:"rewardTitle"`
	RewardCost  int    `json:"rewardCost"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	Input       string `json:"input"`
}

// Diagnostic reports a tolerated failure that did not change any session
// state, such as a failed moderator enumeration.
type Diagnostic struct {
	Kind string
	Err  error
}

// Observer receives every status transition and event produced by the
// sessions. Implementations must not block or call back into the sessions;
// callbacks arrive on socket goroutines and sometimes under session locks.
type Observer interface {
	CallbackServerStatus(status CallbackStatus, port int)
	BotStatus(status Status)
	ChannelStatus(status Status)
	BotUserName(name string)
	Channel(name string)
	Command(command, userID, userName string)
	Redemption(r Redemption)
	Seen(userID string)
	Diagnostic(d Diagnostic)
}

// Hooks adapts optional funcs to Observer. Nil fields are skipped.
type Hooks struct {
	OnCallbackServerStatus func(status CallbackStatus, port int)
	OnBotStatus            func(status Status)
	OnChannelStatus        func(status Status)
	OnBotUserName          func(name string)
	OnChannel              func(name string)
	OnCommand              func(command, userID, userName string)
	OnRedemption           func(r Redemption)
	OnSeen                 func(userID string)
	OnDiagnostic           func(d Diagnostic)
}

var _ Observer = Hooks{}

func (h Hooks) CallbackServerStatus(status CallbackStatus, port int) {
	if h.OnCallbackServerStatus != nil {
		h.OnCallbackServerStatus(status, port)
	}
}

func (h Hooks) BotStatus(status Status) {
	if h.OnBotStatus != nil {
		h.OnBotStatus(status)
	}
}

func (h Hooks) ChannelStatus(status Status) {
	if h.OnChannelStatus != nil {
		h.OnChannelStatus(status)
	}
}

func (h Hooks) BotUserName(name string) {
	if h.OnBotUserName != nil {
		h.OnBotUserName(name)
	}
}

func (h Hooks) Channel(name string) {
	if h.OnChannel != nil {
		h.OnChannel(name)
	}
}

func (h Hooks) Command(command, userID, userName string) {
	if h.OnCommand != nil {
		h.OnCommand(command, userID, userName)
	}
}

func (h Hooks) Redemption(r Redemption) {
	if h.OnRedemption != nil {
		h.OnRedemption(r)
	}
}

func (h Hooks) Seen(userID string) {
	if h.OnSeen != nil {
		h.OnSeen(userID)
	}
}

func (h Hooks) Diagnostic(d Diagnostic) {
	if h.OnDiagnostic != nil {
		h.OnDiagnostic(d)
	}
}
