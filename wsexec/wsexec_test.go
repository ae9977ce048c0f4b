package wsexec_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/wsexec"
)

func TestConnectRouteAndDisconnectDropsExecutor(t *testing.T) {
	nodes := cluster.NewRegistry()
	corr := correlate.NewLayer()
	disp := dispatch.New(nodes, corr, time.Second)
	srv := wsexec.New(nodes, corr, disp)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?id=exec-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := nodes.Get("exec-1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := nodes.Get("exec-1"); !ok {
		t.Fatal("executor never registered")
	}

	resultCh := corr.RegisterNonStreaming("rid-1", "exec-1")
	nodes.MarkActive("exec-1", "rid-1")

	if err := conn.WriteMessage(websocket.TextMessage, cmn.MustMarshal(map[string]interface{}{
		"id":      "rid-1",
		"payload": map[string]interface{}{"text": "hello"},
	})); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed result")
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	if _, ok := nodes.Get("exec-1"); ok {
		t.Fatal("executor should be gone after disconnect")
	}
}

// TestDisconnectSurfacesExecutorGone is scenario S3: a non-streaming
// request assigned to an executor that disconnects before responding
// must surface ExecutorGone (503), not a generic timeout/cancellation
// error.
func TestDisconnectSurfacesExecutorGone(t *testing.T) {
	nodes := cluster.NewRegistry()
	corr := correlate.NewLayer()
	disp := dispatch.New(nodes, corr, time.Second)
	srv := wsexec.New(nodes, corr, disp)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?id=exec-2"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := nodes.Get("exec-2"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := nodes.Get("exec-2"); !ok {
		t.Fatal("executor never registered")
	}

	resultCh := corr.RegisterNonStreaming("rid-2", "exec-2")
	nodes.MarkActive("exec-2", "rid-2")

	conn.Close()

	select {
	case res := <-resultCh:
		be := cmn.AsBrokerError(res.Err)
		if be.Code != cmn.ErrExecutorGone {
			t.Fatalf("expected ErrExecutorGone, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect cleanup to resolve the pending request")
	}
}
