package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// The generation bot's application id. Slash commands and component actions
// are both addressed to it.
const BotAppID = "936929561302675456"

// Defaults for the imagine slash command registration. Overridable in config
// because the bot re-registers the command occasionally.
const (
	DefaultImagineCommandID = "938956540159881230"
	DefaultImagineVersionID = "1237876415471554623"
)

const (
	restRetries    = 3
	restRetryDelay = time.Second
)

// restClient is the REST slice of the platform API this package needs. It is
// an interface so connection tests can run without network access.
type restClient interface {
	// Interaction posts a slash-command or component interaction.
	Interaction(body any) error
	// MessagesAfter lists channel messages newer than afterID, oldest first.
	// An empty afterID returns the latest messages instead.
	MessagesAfter(channelID, afterID string, limit int) ([]*Message, error)
}

// userRest implements restClient over a discordgo session authenticated with
// a user token. Message listing goes through Session.Request rather than the
// typed helpers so the responses decode into this package's Message, nonce
// field included.
type userRest struct {
	s *discordgo.Session
}

// newUserRest builds a REST client for a raw user token. discordgo prefixes
// "Bot " only when asked, so the token is passed through untouched.
func newUserRest(userToken string) (*userRest, error) {
	s, err := discordgo.New(userToken)
	if err != nil {
		return nil, fmt.Errorf("gateway: rest session: %w", err)
	}
	return &userRest{s: s}, nil
}

func (r *userRest) Interaction(body any) error {
	_, err := r.s.Request(http.MethodPost, discordgo.EndpointAPI+"interactions", body)
	return err
}

func (r *userRest) MessagesAfter(channelID, afterID string, limit int) ([]*Message, error) {
	url := discordgo.EndpointChannelMessages(channelID) + "?limit=" + strconv.Itoa(limit)
	if afterID != "" {
		url += "&after=" + afterID
	}
	data, err := r.s.Request(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("gateway: decode channel messages: %w", err)
	}
	return msgs, nil
}

// retryableRestError reports whether a REST failure is worth retrying.
// Client errors (4xx) are deterministic and retried requests would only
// burn rate limit budget.
func retryableRestError(err error) bool {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) {
		return true
	}
	return rerr.Response == nil || rerr.Response.StatusCode >= 500
}

// imagineInteraction builds the slash-command body for a prompt submission.
// The nonce doubles as the task id, so the echoed message binds back to the
// task without heuristics.
func imagineInteraction(appID, guildID, channelID, sessionID, commandID, versionID, prompt, nonce string) map[string]any {
	return map[string]any{
		"type":           2,
		"application_id": appID,
		"guild_id":       guildID,
		"channel_id":     channelID,
		"session_id":     sessionID,
		"data": map[string]any{
			"version": versionID,
			"id":      commandID,
			"name":    "imagine",
			"type":    1,
			"options": []map[string]any{
				{"type": 3, "name": "prompt", "value": prompt},
			},
			"attachments": []any{},
		},
		"nonce": nonce,
	}
}

// actionInteraction builds the component-click body for a follow-up action
// (upscale, variation, reroll) against a completed message.
func actionInteraction(appID, guildID, channelID, sessionID, messageID, customID, nonce string) map[string]any {
	return map[string]any{
		"type":           3,
		"application_id": appID,
		"guild_id":       guildID,
		"channel_id":     channelID,
		"session_id":     sessionID,
		"message_flags":  0,
		"message_id":     messageID,
		"data": map[string]any{
			"component_type": 2,
			"custom_id":      customID,
		},
		"nonce": nonce,
	}
}
