package gateway

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// Gateway opcodes, the subset this connection speaks.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

// Dispatch event names of interest. Everything else is ignored after the
// sequence number is recorded.
const (
	eventReady         = "READY"
	eventMessageCreate = "MESSAGE_CREATE"
	eventMessageUpdate = "MESSAGE_UPDATE"
	eventMessageDelete = "MESSAGE_DELETE"
)

// Intents requested at identify: guilds, guild messages, message content.
const identifyIntents = int(discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent)

// payload is a raw gateway frame. S and T are only set on dispatches.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      author `json:"user"`
}

type author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Message is the slice of a chat message this service reads. Unlike library
// message types it keeps the echoed nonce, which is the strongest
// correlation signal the protocol offers.
type Message struct {
	ID                string       `json:"id"`
	ChannelID         string       `json:"channel_id"`
	GuildID           string       `json:"guild_id"`
	Content           string       `json:"content"`
	Nonce             string       `json:"nonce"`
	Author            author       `json:"author"`
	Attachments       []Attachment `json:"attachments"`
	Components        []Component  `json:"components"`
	ReferencedMessage *Message     `json:"referenced_message"`
}

type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Component is one node of the message component tree. Rows carry nested
// components; buttons carry the interaction metadata.
type Component struct {
	Type       int         `json:"type"`
	CustomID   string      `json:"custom_id"`
	Label      string      `json:"label"`
	Style      int         `json:"style"`
	Emoji      *emoji      `json:"emoji,omitempty"`
	Components []Component `json:"components,omitempty"`
}

type emoji struct {
	Name string `json:"name"`
}

const (
	componentActionRow = 1
	componentButton    = 2
)

// deleteData is the body of a MESSAGE_DELETE dispatch.
type deleteData struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload data")
	}
	return json.Unmarshal(data, v)
}

// rawInt64 encodes a heartbeat sequence as a bare JSON number.
func rawInt64(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}
