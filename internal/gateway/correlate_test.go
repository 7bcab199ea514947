package gateway

import (
	"testing"

	"github.com/waule/mjgateway/internal/task"
)

func TestCorrelateNonceBeatsPromptMatch(t *testing.T) {
	pending := []task.Task{
		{TaskID: "B", Prompt: "a castle on a hill", CreatedAt: 2000},
		{TaskID: "A", Prompt: "cat in space", CreatedAt: 1000},
	}
	msg := &Message{
		Nonce:   "B",
		Content: "**cat in space** - generating",
	}
	if got := Correlate(pending, msg); got != "B" {
		t.Errorf("Correlate = %q, want nonce match B over prompt match A", got)
	}
}

func TestCorrelateReferencedMessage(t *testing.T) {
	// An upscale reply references the message whose button was clicked.
	pending := []task.Task{
		{TaskID: "up", SourceMessageID: "m-grid", CreatedAt: 2000},
		{TaskID: "other", Prompt: "cat in space", CreatedAt: 1000},
	}
	msg := &Message{
		Content:           "**Image #1**",
		ReferencedMessage: &Message{ID: "m-grid"},
	}
	if got := Correlate(pending, msg); got != "up" {
		t.Errorf("Correlate = %q, want referenced-message match up", got)
	}
}

func TestCorrelateSinglePending(t *testing.T) {
	pending := []task.Task{{TaskID: "only", Prompt: "whatever"}}
	msg := &Message{Content: "totally unrelated text"}
	if got := Correlate(pending, msg); got != "only" {
		t.Errorf("Correlate = %q, want the single pending task", got)
	}
}

func TestCorrelatePromptPrefixNewestFirst(t *testing.T) {
	// Overlapping prefixes: without a nonce the newest task wins.
	pending := []task.Task{
		{TaskID: "new", Prompt: "sunset over the ocean waves", CreatedAt: 2000},
		{TaskID: "old", Prompt: "sunset over the ocean cliffs", CreatedAt: 1000},
	}
	msg := &Message{Content: "**Sunset over the ocean waves** (fast)"}
	if got := Correlate(pending, msg); got != "new" {
		t.Errorf("Correlate = %q, want newest task", got)
	}
}

func TestCorrelateNoMatchDrops(t *testing.T) {
	pending := []task.Task{
		{TaskID: "a", Prompt: "red fox"},
		{TaskID: "b", Prompt: "blue bird"},
	}
	msg := &Message{Content: "green turtle swimming"}
	if got := Correlate(pending, msg); got != "" {
		t.Errorf("Correlate = %q, want no match", got)
	}
}

func TestCorrelateEmptyPrompt(t *testing.T) {
	// A task with no prompt must never match arbitrary content.
	pending := []task.Task{
		{TaskID: "a", Prompt: ""},
		{TaskID: "b", Prompt: "red fox"},
	}
	msg := &Message{Content: "anything at all"}
	if got := Correlate(pending, msg); got != "" {
		t.Errorf("Correlate = %q, want no match for empty prompts", got)
	}
}

func TestIsCompletion(t *testing.T) {
	att := []Attachment{{URL: "https://cdn.example/a.png"}}
	btn := []Component{{Type: componentActionRow, Components: []Component{
		{Type: componentButton, CustomID: "MJ::JOB::upsample::1"},
	}}}

	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no attachments", Message{Content: "done"}, false},
		{"attachment with buttons", Message{Attachments: att, Components: btn}, true},
		{"attachment, no progress", Message{Attachments: att, Content: "**fox** - done"}, true},
		{"progress update", Message{Attachments: att, Content: "**fox** (31%) (fast)"}, false},
		{"waiting to start", Message{Attachments: att, Content: "**fox** - Waiting to start"}, false},
	}
	for _, tc := range cases {
		if got := IsCompletion(&tc.msg); got != tc.want {
			t.Errorf("%s: IsCompletion = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestProgressOf(t *testing.T) {
	msg := &Message{Content: "**a red fox** (45%) (fast)"}
	if got := ProgressOf(msg); got != "45%" {
		t.Errorf("ProgressOf = %q, want 45%%", got)
	}
	if got := ProgressOf(&Message{Content: "**a red fox** - done"}); got != "" {
		t.Errorf("ProgressOf = %q, want empty", got)
	}
}

func TestMessageHash(t *testing.T) {
	url := "https://cdn.example/attachments/1/2/fox_0b5c6a1de2f3a4b5c6d7e8f9a0b1c2d3.png"
	if got := MessageHash(url); got != "0b5c6a1de2f3a4b5c6d7e8f9a0b1c2d3" {
		t.Errorf("MessageHash = %q", got)
	}
	if got := MessageHash("https://cdn.example/short.png"); got != "" {
		t.Errorf("MessageHash = %q, want empty", got)
	}
}

func TestIsFinalAttachment(t *testing.T) {
	final := Attachment{Filename: "fox_0b5c6a1d-e2f3-a4b5-c6d7-e8f9a0b1c2d3.png"}
	if !IsFinalAttachment(final) {
		t.Error("uuid filename should be final")
	}
	preview := Attachment{Filename: "grid_0.webp", URL: "https://cdn.example/grid_0.webp"}
	if IsFinalAttachment(preview) {
		t.Error("preview filename should not be final")
	}
}

func TestParseButtons(t *testing.T) {
	components := []Component{
		{Type: componentActionRow, Components: []Component{
			{Type: componentButton, CustomID: "MJ::JOB::upsample::1", Label: "U1"},
			{Type: componentButton, CustomID: "MJ::JOB::reroll::0", Emoji: &emoji{Name: "🔄"}},
			{Type: componentButton, Label: "link-only, no custom id"},
		}},
		{Type: componentButton, CustomID: "stray, not in a row"},
	}
	buttons := ParseButtons(components)
	if len(buttons) != 2 {
		t.Fatalf("len = %d, want 2", len(buttons))
	}
	if buttons[0].CustomID != "MJ::JOB::upsample::1" || buttons[0].Label != "U1" {
		t.Errorf("buttons[0] = %+v", buttons[0])
	}
	if buttons[1].Emoji != "🔄" {
		t.Errorf("buttons[1].Emoji = %q", buttons[1].Emoji)
	}
}
