package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/waule/mjgateway/internal/task"
)

func newTestTaskStore(t *testing.T) *task.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return task.NewStore(rdb, 0)
}

// fakeGateway runs a protocol-faithful socket endpoint: hello, identify
// check, ready, then frames pushed through the dispatch channel.
type fakeGateway struct {
	srv      *httptest.Server
	url      string
	dispatch chan payload

	mu        sync.Mutex
	identifys []identifyData
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{dispatch: make(chan payload, 8)}
	upgrader := websocket.Upgrader{}

	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, _ := json.Marshal(helloData{HeartbeatInterval: 45000})
		if err := ws.WriteJSON(payload{Op: opHello, D: hello}); err != nil {
			return
		}

		var p payload
		if err := ws.ReadJSON(&p); err != nil || p.Op != opIdentify {
			return
		}
		var id identifyData
		json.Unmarshal(p.D, &id)
		fg.mu.Lock()
		fg.identifys = append(fg.identifys, id)
		fg.mu.Unlock()

		ready, _ := json.Marshal(readyData{SessionID: "sess-1", User: author{ID: "self", Username: "tester"}})
		if err := ws.WriteJSON(payload{Op: opDispatch, T: eventReady, S: 1, D: ready}); err != nil {
			return
		}

		// Drain reads (heartbeats) so the client write side never blocks.
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for frame := range fg.dispatch {
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fg.srv.Close)
	fg.url = "ws" + strings.TrimPrefix(fg.srv.URL, "http")
	return fg
}

func (fg *fakeGateway) send(t *testing.T, event string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal dispatch: %v", err)
	}
	fg.dispatch <- payload{Op: opDispatch, T: event, S: 2, D: data}
}

type fakeRest struct {
	mu     sync.Mutex
	bodies []map[string]any
	err    error
	after  []*Message
}

func (f *fakeRest) Interaction(body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	data, _ := json.Marshal(body)
	var m map[string]any
	json.Unmarshal(data, &m)
	f.bodies = append(f.bodies, m)
	return nil
}

func (f *fakeRest) MessagesAfter(channelID, afterID string, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.after, nil
}

type usageLog struct {
	mu      sync.Mutex
	entries []bool
}

func (u *usageLog) Record(accountID int64, ok bool, errMsg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, ok)
}

func newTestConn(t *testing.T, gatewayURL string) (*Conn, *fakeRest, *usageLog, *task.Store) {
	t.Helper()
	store := newTestTaskStore(t)
	usage := &usageLog{}
	c, err := New(Config{
		GatewayURL:     gatewayURL,
		UserToken:      "user-token",
		GuildID:        "g1",
		ChannelID:      "ch1",
		AccountID:      7,
		AccountName:    "acct-7",
		ConnectTimeout: 5 * time.Second,
	}, store, nil, usage, nil)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	rest := &fakeRest{}
	c.rest = rest
	return c, rest, usage, store
}

func TestConnectHandshake(t *testing.T) {
	fg := newFakeGateway(t)
	c, _, _, _ := newTestConn(t, fg.url)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Ready() {
		t.Fatal("expected ready after handshake")
	}

	fg.mu.Lock()
	defer fg.mu.Unlock()
	if len(fg.identifys) != 1 {
		t.Fatalf("identify count = %d", len(fg.identifys))
	}
	if fg.identifys[0].Token != "user-token" {
		t.Errorf("identify token = %q", fg.identifys[0].Token)
	}
	if fg.identifys[0].Intents != identifyIntents {
		t.Errorf("identify intents = %d, want %d", fg.identifys[0].Intents, identifyIntents)
	}
}

func TestConnectIdempotent(t *testing.T) {
	fg := newFakeGateway(t)
	c, _, _, _ := newTestConn(t, fg.url)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if len(fg.identifys) != 1 {
		t.Errorf("ready connection re-dialed, identify count = %d", len(fg.identifys))
	}
}

func TestSubmitBeforeReady(t *testing.T) {
	c, _, _, _ := newTestConn(t, "ws://127.0.0.1:0")
	if _, err := c.SubmitImagine(context.Background(), "u1", "", "a fox"); err == nil {
		t.Fatal("expected error before handshake")
	}
}

func TestImagineEndToEnd(t *testing.T) {
	fg := newFakeGateway(t)
	c, rest, usage, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	taskID, err := c.SubmitImagine(ctx, "u1", "", "cat in space")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rest.mu.Lock()
	if len(rest.bodies) != 1 {
		t.Fatalf("interaction count = %d", len(rest.bodies))
	}
	body := rest.bodies[0]
	rest.mu.Unlock()
	if body["nonce"] != taskID {
		t.Errorf("nonce = %v, want task id %s", body["nonce"], taskID)
	}
	if body["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", body["session_id"])
	}

	// Bot replies through the socket with a completed message.
	fg.send(t, eventMessageCreate, Message{
		ID:        "m1",
		ChannelID: "ch1",
		Nonce:     taskID,
		Content:   "**cat in space** - done",
		Author:    author{ID: BotAppID},
		Attachments: []Attachment{
			{URL: "https://cdn.example/a/cat_0b5c6a1de2f3a4b5c6d7e8f9a0b1c2d3.png"},
		},
		Components: []Component{{Type: componentActionRow, Components: []Component{
			{Type: componentButton, CustomID: "MJ::JOB::upsample::1", Label: "U1"},
			{Type: componentButton, CustomID: "MJ::JOB::upsample::2", Label: "U2"},
		}}},
	})

	got, err := store.Wait(ctx, taskID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Errorf("status = %s", got.Status)
	}
	if got.ResultURL == "" {
		t.Error("expected a result url")
	}
	if len(got.Buttons) != 2 {
		t.Errorf("buttons = %d, want 2", len(got.Buttons))
	}
	if got.MessageHash != "0b5c6a1de2f3a4b5c6d7e8f9a0b1c2d3" {
		t.Errorf("message hash = %q", got.MessageHash)
	}

	usage.mu.Lock()
	defer usage.mu.Unlock()
	if len(usage.entries) != 1 || !usage.entries[0] {
		t.Errorf("usage entries = %v, want one success", usage.entries)
	}
}

func TestSecondSubmissionRejectedWhileActive(t *testing.T) {
	fg := newFakeGateway(t)
	c, _, _, _ := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.SubmitImagine(ctx, "u1", "", "first"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := c.SubmitImagine(ctx, "u1", "", "second"); !errors.Is(err, task.ErrActiveTask) {
		t.Fatalf("second submit err = %v, want ErrActiveTask", err)
	}
}

func TestSubmitFailureMarksTask(t *testing.T) {
	fg := newFakeGateway(t)
	c, rest, usage, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rest.err = errors.New("boom")

	_, err := c.SubmitImagine(ctx, "u1", "", "doomed prompt")
	if err == nil {
		t.Fatal("expected submit error")
	}

	pending, perr := store.Pending(ctx)
	if perr != nil {
		t.Fatalf("pending: %v", perr)
	}
	if len(pending) != 0 {
		t.Errorf("failed submission left %d pending tasks", len(pending))
	}

	// The failed task released the user, so a retry goes through.
	rest.err = nil
	if _, err := c.SubmitImagine(ctx, "u1", "", "retry prompt"); err != nil {
		t.Errorf("resubmit after failure: %v", err)
	}

	usage.mu.Lock()
	defer usage.mu.Unlock()
	if len(usage.entries) < 2 || usage.entries[0] {
		t.Errorf("usage entries = %v, want failure then success", usage.entries)
	}
}

func TestActionCarriesPromptFromSource(t *testing.T) {
	fg := newFakeGateway(t)
	c, rest, _, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A finished imagine task whose message the action references.
	if err := store.Create(ctx, &task.Task{TaskID: "orig", Prompt: "a red fox"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, "orig", func(t *task.Task) { t.Status = task.StatusSuccess }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.MapMessage(ctx, "m-orig", "orig"); err != nil {
		t.Fatalf("map: %v", err)
	}

	taskID, err := c.SubmitAction(ctx, "u1", "", "m-orig", "MJ::JOB::upsample::1")
	if err != nil {
		t.Fatalf("action: %v", err)
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != "a red fox" {
		t.Errorf("prompt = %q, want inherited prompt", got.Prompt)
	}
	if got.SourceMessageID != "m-orig" {
		t.Errorf("source message = %q", got.SourceMessageID)
	}

	rest.mu.Lock()
	defer rest.mu.Unlock()
	body := rest.bodies[len(rest.bodies)-1]
	data := body["data"].(map[string]any)
	if data["custom_id"] != "MJ::JOB::upsample::1" {
		t.Errorf("custom_id = %v", data["custom_id"])
	}
	if body["message_id"] != "m-orig" {
		t.Errorf("message_id = %v", body["message_id"])
	}
}

func TestProgressUpdateThroughSocket(t *testing.T) {
	fg := newFakeGateway(t)
	c, _, _, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	taskID, err := c.SubmitImagine(ctx, "u1", "", "slow render")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	fg.send(t, eventMessageUpdate, Message{
		ID:          "m1",
		ChannelID:   "ch1",
		Nonce:       taskID,
		Content:     "**slow render** (31%) (fast)",
		Author:      author{ID: BotAppID},
		Attachments: []Attachment{{URL: "https://cdn.example/grid.webp"}},
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.Get(ctx, taskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Progress == "31%" && got.Status == task.StatusInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never applied, task = %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateWithProgressStaysInProgress(t *testing.T) {
	// First replies sometimes arrive as a progress-marked preview with the
	// grid already attached. That attachment is not a result.
	fg := newFakeGateway(t)
	c, _, _, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	taskID, err := c.SubmitImagine(ctx, "u1", "", "slow fox")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	fg.send(t, eventMessageCreate, Message{
		ID:          "m1",
		ChannelID:   "ch1",
		Nonce:       taskID,
		Content:     "**slow fox** (31%) (fast)",
		Author:      author{ID: BotAppID},
		Attachments: []Attachment{{URL: "https://cdn.example/grid_0.webp"}},
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.Get(ctx, taskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == task.StatusSuccess {
			t.Fatalf("preview marked complete, task = %+v", got)
		}
		if got.Progress == "31%" && got.Status == task.StatusInProgress {
			if got.ResultURL != "" {
				t.Errorf("result url = %q, want none for a preview", got.ResultURL)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never applied, task = %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRecoverDeletedMessage(t *testing.T) {
	fg := newFakeGateway(t)
	c, rest, _, store := newTestConn(t, fg.url)
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	taskID, err := c.SubmitImagine(ctx, "u1", "", "vanishing act")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := store.MapMessage(ctx, "100", taskID); err != nil {
		t.Fatalf("map: %v", err)
	}

	rest.mu.Lock()
	rest.after = []*Message{{
		ID:     "101",
		Author: author{ID: BotAppID},
		Attachments: []Attachment{{
			URL:      "https://cdn.example/final_0b5c6a1de2f3a4b5c6d7e8f9a0b1c2d3.png",
			Filename: "final_0b5c6a1d-e2f3-a4b5-c6d7-e8f9a0b1c2d3.png",
		}},
	}}
	rest.mu.Unlock()

	fg.send(t, eventMessageDelete, deleteData{ID: "100", ChannelID: "ch1"})

	got, err := store.Wait(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Errorf("status = %s", got.Status)
	}
	if got.MessageID != "101" {
		t.Errorf("message id = %q, want replacement 101", got.MessageID)
	}
}

func TestReconnectDelay(t *testing.T) {
	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := reconnectDelay(attempt)
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > reconnectMax {
			t.Errorf("delay above cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if reconnectDelay(1) != 2*time.Second {
		t.Errorf("first delay = %s, want 2s", reconnectDelay(1))
	}
	if reconnectDelay(10) != reconnectMax {
		t.Errorf("late delay = %s, want cap", reconnectDelay(10))
	}
}

func TestReconnectSurvivesImmediateDrop(t *testing.T) {
	// The gateway sometimes drops a session right after READY. A close
	// landing in that window must roll into another attempt, not strand
	// the connection half-reconnected.
	prevBase, prevMax := reconnectBase, reconnectMax
	reconnectBase, reconnectMax = time.Millisecond, 5*time.Millisecond
	defer func() { reconnectBase, reconnectMax = prevBase, prevMax }()

	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		hello, _ := json.Marshal(helloData{HeartbeatInterval: 45000})
		if err := ws.WriteJSON(payload{Op: opHello, D: hello}); err != nil {
			return
		}
		var p payload
		if err := ws.ReadJSON(&p); err != nil || p.Op != opIdentify {
			return
		}
		ready, _ := json.Marshal(readyData{SessionID: "sess-1"})
		if err := ws.WriteJSON(payload{Op: opDispatch, T: eventReady, S: 1, D: ready}); err != nil {
			return
		}
		if n < 3 {
			return // drop right after the handshake
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	store := newTestTaskStore(t)
	fatal := make(chan error, 1)
	c, err := New(Config{
		GatewayURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		UserToken:      "user-token",
		GuildID:        "g1",
		ChannelID:      "ch1",
		AccountID:      7,
		AccountName:    "acct-7",
		ConnectTimeout: 5 * time.Second,
	}, store, nil, nil, func(err error) { fatal <- err })
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	c.rest = &fakeRest{}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-fatal:
			t.Fatalf("gave up instead of retrying: %v", err)
		default:
		}
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 3 && c.Ready() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never re-established, dials = %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	prevBase, prevMax := reconnectBase, reconnectMax
	reconnectBase, reconnectMax = time.Millisecond, 5*time.Millisecond
	defer func() { reconnectBase, reconnectMax = prevBase, prevMax }()

	fg := newFakeGateway(t)
	store := newTestTaskStore(t)
	fatal := make(chan error, 4)
	c, err := New(Config{
		GatewayURL:     fg.url,
		UserToken:      "user-token",
		GuildID:        "g1",
		ChannelID:      "ch1",
		AccountID:      7,
		AccountName:    "acct-7",
		ConnectTimeout: 5 * time.Second,
	}, store, nil, nil, func(err error) { fatal <- err })
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	c.rest = &fakeRest{}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Stop accepting redials, then drop the live socket.
	fg.srv.Close()
	close(fg.dispatch)

	select {
	case <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect loop never gave up")
	}
	if c.Ready() {
		t.Error("connection ready after giving up")
	}

	// Giving up is terminal: no second fatal, no more dial attempts.
	select {
	case err := <-fatal:
		t.Errorf("fatal reported twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
