package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one ordered unit of a message's content: either plain text
// or an image reference. Exactly one field is populated.
type ContentPart struct {
	Text  string     `json:"text,omitempty"`
	Image *ImagePart `json:"image,omitempty"`
}

// ImagePart references image content by URL (data URIs included).
type ImagePart struct {
	URL string `json:"url"`
}

// TextPart builds a text-only content part.
func TextPart(text string) ContentPart { return ContentPart{Text: text} }

// ImagePartFromURL builds an image content part.
func ImagePartFromURL(url string) ContentPart { return ContentPart{Image: &ImagePart{URL: url}} }

// Content is a message body that is either a plain string or an ordered list
// of content parts, matching the wire/persistence shape `string | list<content_part>`.
// A plain string is equivalent to a single text part for accounting purposes.
type Content struct {
	text  string
	parts []ContentPart
	isRaw bool
}

// NewTextContent wraps a plain string as message content.
func NewTextContent(text string) Content {
	return Content{text: text, isRaw: true}
}

// NewPartsContent wraps an ordered list of content parts.
func NewPartsContent(parts []ContentPart) Content {
	return Content{parts: parts}
}

// Text flattens the content to its textual representation: the raw string if
// present, otherwise the concatenation of all text parts in order.
func (c Content) Text() string {
	if c.isRaw {
		return c.text
	}
	out := ""
	for _, p := range c.parts {
		out += p.Text
	}
	return out
}

// Parts returns the ordered content parts, synthesising a single text part
// from a raw string if that's how the content was constructed.
func (c Content) Parts() []ContentPart {
	if c.isRaw {
		if c.text == "" {
			return nil
		}
		return []ContentPart{TextPart(c.text)}
	}
	return c.parts
}

// IsEmpty reports whether the content carries no text and no parts.
func (c Content) IsEmpty() bool {
	return c.isRaw && c.text == "" && len(c.parts) == 0
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.isRaw {
		return json.Marshal(c.text)
	}
	if c.parts == nil {
		return json.Marshal("")
	}
	return json.Marshal(c.parts)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*c = Content{text: asString, isRaw: true}
		return nil
	}
	var asParts []ContentPart
	if err := json.Unmarshal(data, &asParts); err != nil {
		return fmt.Errorf("content must be a string or a list of content parts: %w", err)
	}
	*c = Content{parts: asParts}
	return nil
}

// ToolCall is the LLM's structured request to invoke a named tool.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Arguments holds the raw (possibly still-reassembling) JSON arguments
	// document, referred to in as arguments_json_text.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultStatus is the outcome of a single tool execution.
type ToolResultStatus string

const (
	ToolResultOK       ToolResultStatus = "ok"
	ToolResultErr      ToolResultStatus = "err"
	ToolResultRejected ToolResultStatus = "rejected"
)

// ToolResult is the dispatcher's record of one tool call's outcome.
type ToolResult struct {
	ToolCallID string           `json:"tool_call_id"`
	Output     string           `json:"output"`
	Message    string           `json:"message,omitempty"`
	Status     ToolResultStatus `json:"status"`
}

// IsError reports whether the result represents a failed or rejected call.
func (r ToolResult) IsError() bool {
	return r.Status == ToolResultErr || r.Status == ToolResultRejected
}

// FormattedContent is the textual content handed back to the model:
// output + "\n\n" + message, with either half optional.
func (r ToolResult) FormattedContent() string {
	switch {
	case r.Output != "" && r.Message != "":
		return r.Output + "\n\n" + r.Message
	case r.Output != "":
		return r.Output
	default:
		return r.Message
	}
}

// Preview returns the first n chars of Output, for UI display on the bus.
func (r ToolResult) Preview(n int) string {
	s := r.Output
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Message is one entry in a session's append-only conversation history.
type Message struct {
	Role Role `json:"role"`

	// Content carries the message body (plain text or ordered parts).
	// Omitted entirely (both empty) for assistant messages that consist
	// solely of tool calls.
	Content Content `json:"content,omitempty"`

	// ToolCalls is populated on assistant messages that requested tool
	// execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID identifies which tool call a role=tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// NewUserMessage builds a user-role message from ordered content parts.
func NewUserMessage(parts []ContentPart) Message {
	return Message{Role: RoleUser, Content: NewPartsContent(parts), CreatedAt: time.Now()}
}

// NewToolMessage builds the synthetic tool-role message appended for one
// tool call's result.
func NewToolMessage(toolCallID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    NewTextContent(content),
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	}
}
