package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/store"
)

const testSecret = "c2VjcmV0LWtleQ==" // base64("secret-key")

func TestCanonical_SortsKeysWithoutEscaping(t *testing.T) {
	type sample struct {
		Zulu  string                 `json:"zulu"`
		Alpha string                 `json:"alpha"`
		Nest  map[string]interface{} `json:"nest"`
	}
	got, err := Canonical(sample{
		Zulu:  "<z> & co",
		Alpha: "a",
		Nest:  map[string]interface{}{"b": int64(2), "a": 1756166400000},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"alpha":"a","nest":{"a":1756166400000,"b":2},"zulu":"<z> & co"}`,
		string(got))
}

func TestSign_Vector(t *testing.T) {
	body := []byte(`{"bot_id":"bot-1","bot_metadata":{"team":"qa"},"data":{"new_state":"joining","old_state":"ready"},"idempotency_key":"key-1","trigger":"bot.state_change"}`)

	sig, err := Sign(body, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "f8y7lFjnEr0V+z2FG1CnJNomDeyuel6YZMSGUUznXk4=", sig)

	assert.True(t, Verify(body, testSecret, sig))
	assert.False(t, Verify(append(body, ' '), testSecret, sig))
	assert.False(t, Verify(body, testSecret, "bogus"))
}

func TestSign_BadSecret(t *testing.T) {
	_, err := Sign([]byte("{}"), "not base64!!!")
	assert.Error(t, err)
}

type capturedRequest struct {
	body      []byte
	signature string
}

type webhookTarget struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   []int // per-request status codes, last one repeats
}

func (w *webhookTarget) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.requests = append(w.requests, capturedRequest{body: body, signature: r.Header.Get(SignatureHeader)})
		idx := len(w.requests) - 1
		if idx >= len(w.status) {
			idx = len(w.status) - 1
		}
		code := w.status[idx]
		w.mu.Unlock()
		rw.WriteHeader(code)
	}
}

func (w *webhookTarget) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

func (w *webhookTarget) all() []capturedRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]capturedRequest, len(w.requests))
	copy(out, w.requests)
	return out
}

func newDeliveryTest(t *testing.T, target *webhookTarget, events ...string) (*Deliverer, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(target.handler())
	t.Cleanup(srv.Close)

	sub := &bot.WebhookSubscription{ID: "sub-1", ProjectID: "proj-1", URL: srv.URL, Events: events, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.UpsertSubscription(context.Background(), sub))

	d := NewDeliverer(st,
		func(projectID string) string { return testSecret },
		WithWorkers(1), WithBackoffBase(time.Millisecond))
	d.Start()
	t.Cleanup(d.Close)
	return d, st
}

func stateEvent() Event {
	return StateChange(&bot.Event{
		BotID:     "bot-1",
		OldState:  bot.StateReady,
		NewState:  bot.StateJoining,
		Type:      bot.EventJoinRequested,
		SubType:   bot.SubTypeAPIRequest,
		CreatedAt: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
	}, map[string]string{"team": "qa"})
}

func TestDeliver_Success(t *testing.T) {
	target := &webhookTarget{status: []int{200}}
	d, st := newDeliveryTest(t, target)

	require.NoError(t, d.Publish(context.Background(), "proj-1", stateEvent()))
	require.Eventually(t, func() bool { return target.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	req := target.all()[0]
	assert.True(t, Verify(req.body, testSecret, req.signature), "signature must verify against the body")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(req.body, &decoded))
	assert.Equal(t, "bot-1", decoded["bot_id"])
	assert.Equal(t, TriggerStateChange, decoded["trigger"])
	assert.NotEmpty(t, decoded["idempotency_key"])
	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, "ready", data["old_state"])
	assert.Equal(t, "joining", data["new_state"])

	require.Eventually(t, func() bool {
		recs, err := st.ListDeliveries(context.Background(), "bot-1")
		return err == nil && len(recs) == 1 && recs[0].Status == bot.DeliveryDelivered
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeliver_RetriesThenGivesUp(t *testing.T) {
	target := &webhookTarget{status: []int{500}}
	d, st := newDeliveryTest(t, target)

	require.NoError(t, d.Publish(context.Background(), "proj-1", stateEvent()))
	require.Eventually(t, func() bool { return target.count() == 4 }, 2*time.Second, 5*time.Millisecond)

	// No fifth attempt.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, target.count())

	// Every retry reuses the identical payload, idempotency key included.
	reqs := target.all()
	for _, r := range reqs[1:] {
		assert.Equal(t, reqs[0].body, r.body)
	}

	require.Eventually(t, func() bool {
		recs, err := st.ListDeliveries(context.Background(), "bot-1")
		return err == nil && len(recs) == 1 &&
			recs[0].Status == bot.DeliveryFailed && recs[0].Attempts == 4
	}, 2*time.Second, 5*time.Millisecond)

	recs, err := st.ListDeliveries(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Contains(t, recs[0].LastError, "500")
}

func TestDeliver_RecoversMidRetry(t *testing.T) {
	target := &webhookTarget{status: []int{500, 200}}
	d, st := newDeliveryTest(t, target)

	require.NoError(t, d.Publish(context.Background(), "proj-1", stateEvent()))
	require.Eventually(t, func() bool {
		recs, err := st.ListDeliveries(context.Background(), "bot-1")
		return err == nil && len(recs) == 1 && recs[0].Status == bot.DeliveryDelivered
	}, 2*time.Second, 5*time.Millisecond)

	recs, _ := st.ListDeliveries(context.Background(), "bot-1")
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Empty(t, recs[0].LastError)
}

func TestDeliver_SubscriptionFilter(t *testing.T) {
	target := &webhookTarget{status: []int{200}}
	d, st := newDeliveryTest(t, target, TriggerStateChange)

	// The subscription only wants state changes; a chat event must not
	// create a delivery.
	chat := Chat(&bot.ChatMessage{BotID: "bot-1", MessageID: "m1", Text: "hi"}, nil)
	require.NoError(t, d.Publish(context.Background(), "proj-1", chat))

	require.NoError(t, d.Publish(context.Background(), "proj-1", stateEvent()))
	require.Eventually(t, func() bool { return target.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	recs, err := st.ListDeliveries(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, TriggerStateChange, recs[0].EventKind)
}

func TestDeliver_NoSecretSkips(t *testing.T) {
	target := &webhookTarget{status: []int{200}}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	srv := httptest.NewServer(target.handler())
	t.Cleanup(srv.Close)
	require.NoError(t, st.UpsertSubscription(context.Background(),
		&bot.WebhookSubscription{ID: "sub-1", ProjectID: "proj-1", URL: srv.URL}))

	d := NewDeliverer(st, func(string) string { return "" }, WithWorkers(1))
	d.Start()
	t.Cleanup(d.Close)

	require.NoError(t, d.Publish(context.Background(), "proj-1", stateEvent()))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, target.count())
}
