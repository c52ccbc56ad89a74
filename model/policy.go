package model

// NetworkPolicy governs how eagerly the model is allowed to go fetch data
// it doesn't already have cached (original_source Imap/Model/NetworkPolicy.h).
type NetworkPolicy int

const (
	// PolicyOffline suspends all network activity; unread data is queued,
	// never fetched.
	PolicyOffline NetworkPolicy = iota
	// PolicyExpensive prefers cache; connections are possible but treated
	// as costly, so the model never eagerly pulls bodies or opens IDLE.
	PolicyExpensive
	// PolicyOnline treats network access as free: bodies are fetched
	// eagerly and IDLE is kept open whenever a mailbox is selected.
	PolicyOnline
)

func (p NetworkPolicy) String() string {
	switch p {
	case PolicyOffline:
		return "offline"
	case PolicyExpensive:
		return "expensive"
	case PolicyOnline:
		return "online"
	default:
		return "unknown"
	}
}

// AllowsBodyFetch reports whether the policy permits eagerly fetching a
// message body rather than waiting for an explicit caller request.
func (p NetworkPolicy) AllowsBodyFetch() bool { return p == PolicyOnline }

// AllowsIdle reports whether the policy permits keeping an IDLE command
// open against the selected mailbox.
func (p NetworkPolicy) AllowsIdle() bool { return p == PolicyOnline }
