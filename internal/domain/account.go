package domain

// Account is the account record as seen by this subsystem. The account
// database itself lives behind core.SessionLookup.
type Account struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Disabled bool   `json:"disabled"`
}

// GatewaySession is a prior chat-gateway session a voice client must prove
// it holds before it is allowed into a room.
type GatewaySession struct {
	ID     string `json:"session_id"`
	UserID UserID `json:"user_id"`
	Token  string `json:"token"`
}
