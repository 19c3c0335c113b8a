package wsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orpheon-systems/node/engine"
	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/negotiation"
	"github.com/orpheon-systems/node/planner"
	"github.com/orpheon-systems/node/statestore"
)

func testIntent(t *testing.T, kind string) intent.Intent {
	t.Helper()
	i, err := intent.NewBuilder().Kind(kind).Build()
	require.NoError(t, err)
	return *i
}

func newTestServer(t *testing.T, cfg engine.Config) (*httptest.Server, *engine.Engine, statestore.Store) {
	t.Helper()
	e := engine.New(planner.NewAStarPlanner(), engine.WithConfig(cfg))
	store := statestore.NewInMemoryStore()
	h := NewHandler(e, store, nil, nil)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, e, store
}

func wsURL(srv *httptest.Server, path string) string {
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

func TestIntentStreamSendsStatusUpdatesUntilTerminal(t *testing.T) {
	srv, e, _ := newTestServer(t, engine.Config{
		WorkerPoolSize: 2,
		PollInterval:   5 * time.Millisecond,
	})

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/intent/"+i.ID.String()), nil)
	require.NoError(t, err)
	defer conn.Close()

	sawTerminal := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		var msg intentStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "status_update" {
			continue
		}
		if intent.Status(msg.Status).IsTerminal() {
			sawTerminal = true
			break
		}
	}

	require.True(t, sawTerminal, "expected the stream to eventually report a terminal status")
}

func TestIntentStreamRejectsUnknownIntent(t *testing.T) {
	srv, _, _ := newTestServer(t, engine.DefaultConfig())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/intent/"+"00000000-0000-0000-0000-000000000000"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg intentStreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
}

func TestNegotiateStreamAcceptFlowConfirmsExecution(t *testing.T) {
	srv, e, _ := newTestServer(t, engine.Config{
		WorkerPoolSize:            2,
		PollInterval:              5 * time.Millisecond,
		NegotiationRequired:       true,
		NegotiationTimeoutSeconds: 300,
		NegotiationMaxRounds:      3,
	})

	i := testIntent(t, "deploy.workload")
	require.NoError(t, e.SubmitIntent(i))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := e.GetRecord(i.ID)
		if ok && rec.Status == intent.StatusNegotiating {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/negotiate/"+i.ID.String()), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer negotiation.Message
	require.NoError(t, conn.ReadJSON(&offer))
	require.Equal(t, negotiation.MessageOffer, offer.Type)
	require.NotNil(t, offer.Proposal)

	require.NoError(t, conn.WriteJSON(negotiateClientMessage{
		Type:       "accept",
		ProposalID: offer.Proposal.ID,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var confirmed negotiation.Message
	require.NoError(t, conn.ReadJSON(&confirmed))
	require.Equal(t, negotiation.MessageConfirmed, confirmed.Type)
}

func TestStateStreamSendsConnectedThenVersionUpdate(t *testing.T) {
	srv, _, store := newTestServer(t, engine.DefaultConfig())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/state"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected stateStreamMessage
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, "connected", connected.Type)

	_, err = store.Set(context.Background(), "some/key", []byte(`"value"`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update stateStreamMessage
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, "version_update", update.Type)
	require.Greater(t, update.Version, connected.Version)
}
