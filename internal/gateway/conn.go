// Package gateway maintains one persistent socket per account to the chat
// platform, submits generation commands over REST, and turns the resulting
// loosely-correlated message events back into task updates.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/waule/mjgateway/internal/storage"
	"github.com/waule/mjgateway/internal/task"
)

const (
	// DefaultGatewayURL is the production socket endpoint.
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	defaultConnectTimeout = 30 * time.Second

	maxReconnects = 5

	// deleteRecoveryDelay gives the platform time to post the replacement
	// message after it deletes a completion.
	deleteRecoveryDelay = 2500 * time.Millisecond
)

// Reconnect backoff bounds. Vars so tests can collapse the waits.
var (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// UsageRecorder receives the outcome of every command submission so the
// account registry can track error rates.
type UsageRecorder interface {
	Record(accountID int64, ok bool, errMsg string)
}

// Config carries everything one connection needs about its account.
type Config struct {
	GatewayURL       string
	BotID            string
	UserToken        string
	GuildID          string
	ChannelID        string
	AccountID        int64
	AccountName      string
	ImagineCommandID string
	ImagineVersionID string
	ConnectTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.BotID == "" {
		c.BotID = BotAppID
	}
	if c.ImagineCommandID == "" {
		c.ImagineCommandID = DefaultImagineCommandID
	}
	if c.ImagineVersionID == "" {
		c.ImagineVersionID = DefaultImagineVersionID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Conn is one account's gateway connection. All socket reads happen on a
// single goroutine so event handling stays ordered; submissions come in
// from other goroutines and only touch the socket through the write lock.
type Conn struct {
	cfg      Config
	store    *task.Store
	uploader storage.Uploader
	usage    UsageRecorder
	rest     restClient

	onFatal func(error)

	seq atomic.Int64

	mu           sync.Mutex
	ws           *websocket.Conn
	wMu          sync.Mutex
	ready        bool
	sessionID    string
	attempts     int
	closing      bool
	reconnecting bool
	readyCh      chan struct{}
	runCtx       context.Context
	cancel       context.CancelFunc
}

// New builds a connection for one account. uploader may be nil to keep
// provider-native URLs; onFatal may be nil.
func New(cfg Config, store *task.Store, uploader storage.Uploader, usage UsageRecorder, onFatal func(error)) (*Conn, error) {
	cfg.applyDefaults()
	if cfg.UserToken == "" {
		return nil, fmt.Errorf("gateway: account %s: user token is required", cfg.AccountName)
	}
	if cfg.ChannelID == "" || cfg.GuildID == "" {
		return nil, fmt.Errorf("gateway: account %s: guild and channel ids are required", cfg.AccountName)
	}
	rest, err := newUserRest(cfg.UserToken)
	if err != nil {
		return nil, err
	}
	return &Conn{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		usage:    usage,
		rest:     rest,
		onFatal:  onFatal,
	}, nil
}

// AccountID returns the registry id of the account this connection serves.
func (c *Conn) AccountID() int64 { return c.cfg.AccountID }

// Name returns the account's display name for logs.
func (c *Conn) Name() string { return c.cfg.AccountName }

// Ready reports whether the connection has completed its handshake.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect dials the gateway and blocks until the session is ready or the
// connect timeout lapses. Calling it on a ready connection is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	if c.runCtx == nil || c.runCtx.Err() != nil {
		c.runCtx, c.cancel = context.WithCancel(context.Background())
	}
	readyCh := make(chan struct{})
	c.readyCh = readyCh
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("gateway: account %s: dial: %w", c.cfg.AccountName, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws)

	select {
	case <-readyCh:
		log.Printf("gateway: account %s ready", c.cfg.AccountName)
		return nil
	case <-dctx.Done():
		ws.Close()
		return fmt.Errorf("gateway: account %s: handshake timed out", c.cfg.AccountName)
	}
}

// Disconnect closes the socket and stops all reconnect attempts.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.ready = false
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("gateway: socket not open")
	}
	c.wMu.Lock()
	defer c.wMu.Unlock()
	return ws.WriteJSON(v)
}

// readLoop owns one socket from open to close. Handshake, heartbeating and
// dispatch all run here; on exit the reconnect policy takes over.
func (c *Conn) readLoop(ws *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	for {
		var p payload
		if err := ws.ReadJSON(&p); err != nil {
			c.handleClose(err)
			return
		}
		if p.S != 0 {
			c.seq.Store(p.S)
		}

		switch p.Op {
		case opHello:
			var hello helloData
			if err := unmarshal(p.D, &hello); err != nil {
				log.Printf("gateway: account %s: bad hello: %v", c.cfg.AccountName, err)
				continue
			}
			go c.heartbeat(time.Duration(hello.HeartbeatInterval)*time.Millisecond, done)
			c.identify()
		case opHeartbeatACK:
			// nothing to do
		case opDispatch:
			c.handleDispatch(p)
		}
	}
}

func (c *Conn) heartbeat(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.send(payload{Op: opHeartbeat, D: rawInt64(c.seq.Load())}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) identify() {
	id := identifyData{
		Token:   c.cfg.UserToken,
		Intents: identifyIntents,
		Properties: identifyProperties{
			OS:      "windows",
			Browser: "chrome",
			Device:  "chrome",
		},
	}
	if err := c.send(struct {
		Op int          `json:"op"`
		D  identifyData `json:"d"`
	}{Op: opIdentify, D: id}); err != nil {
		log.Printf("gateway: account %s: identify: %v", c.cfg.AccountName, err)
	}
}

func (c *Conn) handleDispatch(p payload) {
	switch p.T {
	case eventReady:
		var rd readyData
		if err := unmarshal(p.D, &rd); err != nil {
			log.Printf("gateway: account %s: bad ready: %v", c.cfg.AccountName, err)
			return
		}
		c.mu.Lock()
		c.sessionID = rd.SessionID
		c.ready = true
		c.attempts = 0
		readyCh := c.readyCh
		c.readyCh = nil
		c.mu.Unlock()
		if readyCh != nil {
			close(readyCh)
		}
	case eventMessageCreate:
		var msg Message
		if err := unmarshal(p.D, &msg); err != nil {
			return
		}
		c.onMessageCreate(&msg)
	case eventMessageUpdate:
		var msg Message
		if err := unmarshal(p.D, &msg); err != nil {
			return
		}
		c.onMessageUpdate(&msg)
	case eventMessageDelete:
		var del deleteData
		if err := unmarshal(p.D, &del); err != nil {
			return
		}
		if del.ChannelID != c.cfg.ChannelID {
			return
		}
		// Recovery sleeps before polling; keep the read loop moving.
		go c.recoverDeleted(del.ID)
	}
}

// handleClose runs the reconnect policy after the socket drops. Backoff is
// exponential from reconnectBase up to reconnectMax; after maxReconnects
// consecutive failures the connection gives up and reports a fatal error.
func (c *Conn) handleClose(cause error) {
	c.mu.Lock()
	c.ready = false
	c.ws = nil
	skip := c.closing || c.reconnecting
	if !skip {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if skip {
		return
	}
	log.Printf("gateway: account %s: socket closed: %v", c.cfg.AccountName, cause)

	for {
		c.mu.Lock()
		if c.closing {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		ctx := c.runCtx
		c.mu.Unlock()

		if attempt > maxReconnects {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			err := fmt.Errorf("gateway: account %s: gave up after %d reconnect attempts: %w",
				c.cfg.AccountName, maxReconnects, cause)
			log.Print(err)
			if c.onFatal != nil {
				c.onFatal(err)
			}
			return
		}

		delay := reconnectDelay(attempt)
		log.Printf("gateway: account %s: reconnecting in %s (%d/%d)",
			c.cfg.AccountName, delay, attempt, maxReconnects)

		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			log.Printf("gateway: account %s: reconnect: %v", c.cfg.AccountName, err)
			cause = err
			continue
		}

		// A close in the window between the handshake finishing and this
		// check was suppressed by the flag; keep the loop going for it.
		c.mu.Lock()
		if c.ready {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		cause = errors.New("socket closed right after reconnect")
	}
}

// onMessageCreate binds the first bot reply to its task. The echoed nonce is
// authoritative; without it the correlator heuristics decide. The completion
// policy then classifies the reply: some submissions skip the in-progress
// phase and arrive finished, others open with a progress-marked preview.
func (c *Conn) onMessageCreate(msg *Message) {
	if msg.Author.ID != c.cfg.BotID || msg.ChannelID != c.cfg.ChannelID {
		return
	}
	ctx := c.ctx()

	var matched string
	if msg.Nonce != "" {
		if _, err := c.store.Get(ctx, msg.Nonce); err == nil {
			matched = msg.Nonce
			if err := c.store.MapMessage(ctx, msg.ID, matched); err != nil {
				log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
			}
			if _, err := c.store.Update(ctx, matched, func(t *task.Task) {
				t.Status = task.StatusInProgress
				t.MessageID = msg.ID
			}); err != nil {
				log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
			}
		}
	}

	if matched == "" {
		pending, err := c.store.Pending(ctx)
		if err != nil {
			log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
			return
		}
		matched = Correlate(pending, msg)
	}
	if matched == "" {
		return
	}

	if IsCompletion(msg) {
		c.completeTask(ctx, matched, msg)
		return
	}
	if progress := ProgressOf(msg); progress != "" {
		if _, err := c.store.Update(ctx, matched, func(t *task.Task) {
			t.Status = task.StatusInProgress
			t.Progress = progress
			t.MessageID = msg.ID
		}); err != nil {
			log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
		}
	}
}

// onMessageUpdate tracks progress edits and promotes the final edit to a
// completion. Resolution order: nonce, then the message-id mapping recorded
// at create time, then the correlator.
func (c *Conn) onMessageUpdate(msg *Message) {
	if msg.ChannelID != c.cfg.ChannelID {
		return
	}
	ctx := c.ctx()

	taskID := ""
	if msg.Nonce != "" {
		if _, err := c.store.Get(ctx, msg.Nonce); err == nil {
			taskID = msg.Nonce
		}
	}
	if taskID == "" && msg.ID != "" {
		id, err := c.store.TaskIDByMessage(ctx, msg.ID)
		if err != nil {
			log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
			return
		}
		taskID = id
	}
	if taskID == "" {
		pending, err := c.store.Pending(ctx)
		if err != nil {
			log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
			return
		}
		taskID = Correlate(pending, msg)
	}
	if taskID == "" {
		return
	}

	if IsCompletion(msg) {
		c.completeTask(ctx, taskID, msg)
		return
	}
	if progress := ProgressOf(msg); progress != "" {
		if _, err := c.store.Update(ctx, taskID, func(t *task.Task) {
			t.Status = task.StatusInProgress
			t.Progress = progress
			t.MessageID = msg.ID
		}); err != nil {
			log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
		}
	}
}

// recoverDeleted handles the platform deleting a completion message right
// after posting it (it reposts the real result moments later). The task is
// looked up through the deleted message id, then the channel is polled once
// for a replacement.
func (c *Conn) recoverDeleted(deletedID string) {
	ctx := c.ctx()

	taskID, err := c.store.TaskIDByMessage(ctx, deletedID)
	if err != nil || taskID == "" {
		return
	}
	t, err := c.store.Get(ctx, taskID)
	if err != nil || !t.Pending() {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(deleteRecoveryDelay):
	}

	msgs, err := c.rest.MessagesAfter(c.cfg.ChannelID, deletedID, 5)
	if err == nil {
		for _, msg := range msgs {
			if msg.Author.ID != c.cfg.BotID || len(msg.Attachments) == 0 {
				continue
			}
			if IsFinalAttachment(msg.Attachments[0]) {
				log.Printf("gateway: account %s: recovered task %s from replacement message %s",
					c.cfg.AccountName, taskID, msg.ID)
				c.completeTask(ctx, taskID, msg)
				return
			}
		}
	} else {
		log.Printf("gateway: account %s: delete recovery: %v", c.cfg.AccountName, err)
	}

	// Snapshot fallback: any newer bot message with a final-looking
	// attachment counts.
	deleted, perr := strconv.ParseUint(deletedID, 10, 64)
	if perr != nil {
		return
	}
	latest, err := c.rest.MessagesAfter(c.cfg.ChannelID, "", 3)
	if err != nil {
		log.Printf("gateway: account %s: delete recovery fallback: %v", c.cfg.AccountName, err)
		return
	}
	for _, msg := range latest {
		if msg.Author.ID != c.cfg.BotID || len(msg.Attachments) == 0 {
			continue
		}
		id, err := strconv.ParseUint(msg.ID, 10, 64)
		if err != nil || id <= deleted {
			continue
		}
		if IsFinalAttachment(msg.Attachments[0]) {
			log.Printf("gateway: account %s: recovered task %s from snapshot message %s",
				c.cfg.AccountName, taskID, msg.ID)
			c.completeTask(ctx, taskID, msg)
			return
		}
	}
	log.Printf("gateway: account %s: no replacement found for deleted message %s (task %s)",
		c.cfg.AccountName, deletedID, taskID)
}

// completeTask finalizes a task from its completion message. The upload to
// result storage is best-effort: on failure the provider-native URL stays.
func (c *Conn) completeTask(ctx context.Context, taskID string, msg *Message) {
	buttons := ParseButtons(msg.Components)
	nativeURL := ""
	if len(msg.Attachments) > 0 {
		nativeURL = msg.Attachments[0].URL
	}

	resultURL := nativeURL
	if c.uploader != nil && nativeURL != "" {
		if u, err := c.uploader.Upload(ctx, nativeURL); err == nil && u != "" {
			resultURL = u
		} else if err != nil {
			log.Printf("gateway: account %s: upload result for %s: %v (keeping native url)",
				c.cfg.AccountName, taskID, err)
		}
	}

	if err := c.store.MapMessage(ctx, msg.ID, taskID); err != nil {
		log.Printf("gateway: account %s: %v", c.cfg.AccountName, err)
	}
	if _, err := c.store.Update(ctx, taskID, func(t *task.Task) {
		t.Status = task.StatusSuccess
		t.MessageID = msg.ID
		t.NativeURL = nativeURL
		t.ResultURL = resultURL
		t.Buttons = buttons
		t.Progress = "100%"
		if t.MessageHash == "" {
			t.MessageHash = MessageHash(nativeURL)
		}
	}); err != nil {
		log.Printf("gateway: account %s: complete %s: %v", c.cfg.AccountName, taskID, err)
		return
	}
	log.Printf("gateway: account %s: task %s complete (%d buttons)",
		c.cfg.AccountName, taskID, len(buttons))
}

// SubmitImagine sends a prompt as a slash command and returns the new task
// id. The per-user single-flight rule is enforced before anything goes on
// the wire.
func (c *Conn) SubmitImagine(ctx context.Context, userID, nodeID, prompt string) (string, error) {
	sessionID, err := c.sessionForSubmit()
	if err != nil {
		return "", err
	}

	taskID := newTaskID()
	t := &task.Task{
		TaskID:    taskID,
		UserID:    userID,
		NodeID:    nodeID,
		Prompt:    prompt,
		AccountID: c.cfg.AccountID,
	}
	if err := c.store.TryAcquireAndCreate(ctx, t); err != nil {
		return "", err
	}

	body := imagineInteraction(c.cfg.BotID, c.cfg.GuildID, c.cfg.ChannelID, sessionID,
		c.cfg.ImagineCommandID, c.cfg.ImagineVersionID, prompt, taskID)
	if err := c.postInteraction(ctx, taskID, body); err != nil {
		return "", err
	}
	log.Printf("gateway: account %s: imagine submitted: %s", c.cfg.AccountName, taskID)
	return taskID, nil
}

// SubmitAction clicks a component on a completed message (upscale,
// variation, reroll) and returns the new task id. The originating task's
// prompt carries over so the correlator can still fall back on it.
func (c *Conn) SubmitAction(ctx context.Context, userID, nodeID, messageID, customID string) (string, error) {
	sessionID, err := c.sessionForSubmit()
	if err != nil {
		return "", err
	}

	prompt := ""
	if origID, err := c.store.TaskIDByMessage(ctx, messageID); err == nil && origID != "" {
		if orig, err := c.store.Get(ctx, origID); err == nil {
			prompt = orig.Prompt
		}
	}

	taskID := newTaskID()
	t := &task.Task{
		TaskID:          taskID,
		UserID:          userID,
		NodeID:          nodeID,
		Prompt:          prompt,
		SourceMessageID: messageID,
		AccountID:       c.cfg.AccountID,
	}
	if err := c.store.TryAcquireAndCreate(ctx, t); err != nil {
		return "", err
	}

	body := actionInteraction(c.cfg.BotID, c.cfg.GuildID, c.cfg.ChannelID, sessionID, messageID, customID, taskID)
	if err := c.postInteraction(ctx, taskID, body); err != nil {
		return "", err
	}
	log.Printf("gateway: account %s: action submitted: %s (%s)", c.cfg.AccountName, taskID, customID)
	return taskID, nil
}

func (c *Conn) sessionForSubmit() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return "", fmt.Errorf("gateway: account %s is not ready", c.cfg.AccountName)
	}
	return c.sessionID, nil
}

// postInteraction sends the command with bounded retries, records the
// outcome against the account, and fails the task if nothing got through.
func (c *Conn) postInteraction(ctx context.Context, taskID string, body any) error {
	var err error
	for attempt := 1; attempt <= restRetries; attempt++ {
		err = c.rest.Interaction(body)
		if err == nil {
			if c.usage != nil {
				c.usage.Record(c.cfg.AccountID, true, "")
			}
			return nil
		}
		if !retryableRestError(err) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = restRetries
		case <-time.After(restRetryDelay * time.Duration(attempt)):
		}
	}

	if c.usage != nil {
		c.usage.Record(c.cfg.AccountID, false, err.Error())
	}
	if _, uerr := c.store.Update(ctx, taskID, func(t *task.Task) {
		t.Status = task.StatusFailure
		t.FailReason = "command submission failed: " + err.Error()
	}); uerr != nil {
		log.Printf("gateway: account %s: %v", c.cfg.AccountName, uerr)
	}
	return fmt.Errorf("gateway: account %s: submit command: %w", c.cfg.AccountName, err)
}

func (c *Conn) ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// reconnectDelay is exponential in the attempt number, capped.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase << uint(attempt)
	if d > reconnectMax || d <= 0 {
		return reconnectMax
	}
	return d
}

func newTaskID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}
