package bus

// Topic prefixes for Subscribe.
const (
	PrefixLoop  = "loop."
	PrefixInbox = "inbox."
)

const (
	TopicLoopEnrolled    = "loop.enrolled"
	TopicLoopTransition  = "loop.transition"
	TopicLoopPublished   = "loop.published"
	TopicInboxCommitted  = "inbox.committed"
	TopicInboxReclaimed  = "inbox.reclaimed"
	TopicInboxRolledBack = "inbox.rolled_back"
	TopicRunStatus       = "run.status"
)

// LoopTransitionEvent is published after a signal advanced a loop.
type LoopTransitionEvent struct {
	LoopID      string `json:"loopId"`
	From        string `json:"from"`
	To          string `json:"to"`
	Signal      string `json:"signal"`
	LoopVersion int64  `json:"loopVersion"`
	EntryID     string `json:"entryId,omitempty"`
}

// LoopPublishedEvent is published after a state label reached the PR.
type LoopPublishedEvent struct {
	LoopID   string `json:"loopId"`
	State    string `json:"state"`
	PRNumber int    `json:"prNumber"`
}

// InboxEvent describes a change to one signal inbox row.
type InboxEvent struct {
	LoopID           string `json:"loopId"`
	EntryID          string `json:"entryId"`
	CauseType        string `json:"causeType"`
	CanonicalCauseID string `json:"canonicalCauseId"`
}

// RunStatusEvent is published when a run context changes status.
type RunStatusEvent struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}
