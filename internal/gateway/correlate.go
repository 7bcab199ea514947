package gateway

import (
	"regexp"
	"strings"

	"github.com/waule/mjgateway/internal/task"
)

// promptPrefixLen bounds the prompt prefix used for fallback matching. The
// bot echoes prompts back verbatim inside asterisks, so a short prefix is
// enough to tell pending tasks apart without tripping over suffix rewrites.
const promptPrefixLen = 20

var (
	progressRe    = regexp.MustCompile(`\((\d+)%\)`)
	messageHashRe = regexp.MustCompile(`([a-f0-9]{32})`)
	finalFileRe   = regexp.MustCompile(`(?i)[a-f0-9-]{36}`)
)

// Correlate decides which pending task a message belongs to. pending must be
// ordered newest first. Priority:
//
//  1. the echoed nonce matches a task id,
//  2. the referenced message is the source of a pending action,
//  3. exactly one task is pending,
//  4. the first (newest) task whose prompt prefix appears in the content.
//
// An empty return means the message matched nothing and is dropped.
func Correlate(pending []task.Task, msg *Message) string {
	if msg.Nonce != "" {
		for _, t := range pending {
			if t.TaskID == msg.Nonce {
				return t.TaskID
			}
		}
	}

	// Action results reply to the message whose button was clicked.
	if ref := msg.ReferencedMessage; ref != nil && ref.ID != "" {
		for _, t := range pending {
			if t.SourceMessageID == ref.ID {
				return t.TaskID
			}
		}
	}

	if len(pending) == 1 {
		return pending[0].TaskID
	}

	content := strings.ToLower(msg.Content)
	for _, t := range pending {
		prefix := strings.ToLower(t.Prompt)
		if len(prefix) > promptPrefixLen {
			prefix = prefix[:promptPrefixLen]
		}
		if prefix != "" && strings.Contains(content, prefix) {
			return t.TaskID
		}
	}
	return ""
}

// IsCompletion reports whether an updated message represents the finished
// result. Attachments alone are ambiguous: in-flight previews also carry
// one, so the message must either expose action buttons or have shed its
// progress markers.
func IsCompletion(msg *Message) bool {
	if len(msg.Attachments) == 0 {
		return false
	}
	if len(msg.Components) > 0 {
		return true
	}
	return ProgressOf(msg) == "" && !strings.Contains(msg.Content, "Waiting to start")
}

// ProgressOf extracts the "(NN%)" marker from an in-flight message, or "".
func ProgressOf(msg *Message) string {
	m := progressRe.FindStringSubmatch(msg.Content)
	if m == nil {
		return ""
	}
	return m[1] + "%"
}

// MessageHash pulls the 32-hex content hash out of an attachment URL. The
// hash is what component actions (upscale, variation) reference later.
func MessageHash(url string) string {
	m := messageHashRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// IsFinalAttachment reports whether an attachment looks like a completed
// render rather than a preview: final filenames embed a UUID.
func IsFinalAttachment(a Attachment) bool {
	return finalFileRe.MatchString(a.Filename) || strings.Contains(a.URL, "ephemeral")
}

// ParseButtons flattens the component tree of a completed message into the
// follow-up actions a caller can invoke.
func ParseButtons(components []Component) []task.Button {
	var buttons []task.Button
	for _, row := range components {
		if row.Type != componentActionRow {
			continue
		}
		for _, c := range row.Components {
			if c.Type != componentButton || c.CustomID == "" {
				continue
			}
			b := task.Button{CustomID: c.CustomID, Label: c.Label, Style: c.Style}
			if c.Emoji != nil {
				b.Emoji = c.Emoji.Name
			}
			buttons = append(buttons, b)
		}
	}
	return buttons
}
