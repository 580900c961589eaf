package routing

// Decision is the output of the dial router: where an outbound call may actually be placed.

type Decision struct {
	Action    Action `json:"action"`
	ConnectTo string `json:"connect_to,omitempty"`

	// Substituted is true when ConnectTo replaced the requested destination.
	Substituted bool `json:"substituted,omitempty"`

	// Reason is intended for internal logs.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionReject  Action = "reject"
	ActionConnect Action = "connect"
)
