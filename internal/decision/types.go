package decision

// Turn is one line of conversation history.
type Turn struct {
	Role string // "USER" or "ASSISTANT"
	Text string
}

// Request is the snapshot of a call handed to the decision step. It is a
// copy; the step may keep it without coordinating with the call.
type Request struct {
	CallID              string
	Direction           string
	Utterance           string
	Variables           map[string]string
	Flags               map[string]bool
	History             []Turn
	ConsecutiveFailures int
}

// FlagSet reports whether flag is set.
func (r Request) FlagSet(flag string) bool { return r.Flags[flag] }
