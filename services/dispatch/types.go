package dispatch

import (
	"github.com/upb/dispatch-core/services/providers"
)

// Request describes one dispatch: who is asking, what they asked, and
// which backend they want.
type Request struct {
	// SessionID groups fragments for observers
	SessionID string

	// UserID is the authenticated principal or anon_<ip>
	UserID string

	// Role is the principal's role ("user", "admin", empty for anonymous)
	Role string

	// Kind is the request flavor ("coding", "behavioral"); it selects the
	// retrieval collection
	Kind string

	// Provider is the requested backend id; unknown ids fall back
	Provider string

	// Action and Resource feed policy evaluation
	Action   string
	Resource string

	// Question is the user's message
	Question string

	// History carries prior conversation turns
	History []providers.Message

	// SystemPrompt overrides the default template when set
	SystemPrompt string

	// RequestID ties audit entries to the transport request
	RequestID string
}

// Fragment kinds emitted on the dispatch output channel.
const (
	FragmentText   = "text"
	FragmentDone   = "done"
	FragmentHalted = "halted"
	FragmentError  = "error"
)

// Fragment is one unit of streamed output. Text fragments carry
// incremental response text; the stream always ends with exactly one
// done, halted, or error fragment.
type Fragment struct {
	Type   string
	Text   string
	Reason string
	Err    error
}

// HaltMarker renders the visible alert emitted in place of further
// output when mid-stream validation trips.
func HaltMarker(reason string) string {
	return "[System Alert: AI Output Halted - " + reason + "]"
}

// DefaultSystemPrompt is used when a request carries no template. The
// {{context}} and {{personalization}} placeholders are substituted at
// dispatch time.
const DefaultSystemPrompt = "You are a helpful technical interview preparation assistant. " +
	"Give clear, correct answers and prefer worked examples over theory.{{personalization}}"
