package engine

import (
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
)

// Entry is one element of a negotiation transcript.
type Entry interface {
	messages() []oracle.Message
}

// SystemEntry carries the step framing.
type SystemEntry struct{ Content string }

// UserEntry carries inputs or corrective instructions.
type UserEntry struct{ Content string }

// AssistantEntry is plain oracle output that was not accepted.
type AssistantEntry struct{ Content string }

// ToolReply answers one tool call of a round.
type ToolReply struct {
	CallID  string
	Name    string
	Content string
}

// ToolRound is an oracle turn requesting tools together with the replies given so far.
type ToolRound struct {
	Content string
	Calls   []oracle.ToolCall
	Replies []ToolReply
}

func (e SystemEntry) messages() []oracle.Message {
	return []oracle.Message{{Role: oracle.RoleSystem, Content: e.Content}}
}

func (e UserEntry) messages() []oracle.Message {
	return []oracle.Message{{Role: oracle.RoleUser, Content: e.Content}}
}

func (e AssistantEntry) messages() []oracle.Message {
	return []oracle.Message{{Role: oracle.RoleAssistant, Content: e.Content}}
}

func (r *ToolRound) messages() []oracle.Message {
	out := make([]oracle.Message, 0, 1+len(r.Replies))
	out = append(out, oracle.Message{
		Role:      oracle.RoleAssistant,
		Content:   r.Content,
		ToolCalls: append([]oracle.ToolCall(nil), r.Calls...),
	})
	for _, reply := range r.Replies {
		out = append(out, oracle.Message{
			Role:       oracle.RoleTool,
			Name:       reply.Name,
			ToolCallID: reply.CallID,
			Content:    reply.Content,
		})
	}
	return out
}

// Reply records the answer to call. Replies to calls outside the round are ignored.
func (r *ToolRound) Reply(call oracle.ToolCall, content string) {
	for _, c := range r.Calls {
		if c.ID == call.ID {
			r.Replies = append(r.Replies, ToolReply{CallID: call.ID, Name: call.Name, Content: content})
			return
		}
	}
}

// Transcript is the ordered conversation of a single step attempt.
type Transcript struct {
	entries []Entry
}

// NewTranscript starts a transcript with the rendered framing.
func NewTranscript(system, user string) *Transcript {
	return &Transcript{entries: []Entry{SystemEntry{Content: system}, UserEntry{Content: user}}}
}

// Append adds entries at the end.
func (t *Transcript) Append(entries ...Entry) {
	t.entries = append(t.entries, entries...)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Messages flattens the transcript into oracle messages.
func (t *Transcript) Messages() []oracle.Message {
	var out []oracle.Message
	for _, e := range t.entries {
		out = append(out, e.messages()...)
	}
	return out
}

// Repair finds the most recent assistant message with tool calls and, for every
// call without a reply in the tool messages directly after it, inserts a failed
// reply right behind the assistant message. Only that one gap is repaired.
func Repair(msgs []oracle.Message) []oracle.Message {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == oracle.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return msgs
	}

	answered := make(map[string]bool)
	for j := idx + 1; j < len(msgs) && msgs[j].Role == oracle.RoleTool; j++ {
		answered[msgs[j].ToolCallID] = true
	}

	var synth []oracle.Message
	for _, call := range msgs[idx].ToolCalls {
		if answered[call.ID] {
			continue
		}
		content, err := encodeJSON(tools.Failure(call.Name, tools.ErrMissingReply))
		if err != nil {
			continue
		}
		synth = append(synth, oracle.Message{
			Role:       oracle.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	if len(synth) == 0 {
		return msgs
	}

	out := make([]oracle.Message, 0, len(msgs)+len(synth))
	out = append(out, msgs[:idx+1]...)
	out = append(out, synth...)
	out = append(out, msgs[idx+1:]...)
	return out
}
