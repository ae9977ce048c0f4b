package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
)

type env struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func TestDispatchResolvesOnExecutorReply(t *testing.T) {
	reg := cluster.NewRegistry()
	corr := correlate.NewLayer()
	d := dispatch.New(reg, corr, time.Second)

	ex, ch := reg.Connect("exec-1", 4)
	go func() {
		raw := <-ch
		var e env
		json.Unmarshal(raw, &e)
		corr.Deliver(e.ID, map[string]string{"ok": "true"}, false, nil)
	}()

	res, err := d.Dispatch(context.Background(), ex, "rid-1", "generateContent", map[string]string{"x": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected payload")
	}
}

func TestDispatchTimesOut(t *testing.T) {
	reg := cluster.NewRegistry()
	corr := correlate.NewLayer()
	d := dispatch.New(reg, corr, 50*time.Millisecond)

	ex, ch := reg.Connect("exec-1", 4)
	go func() { <-ch }() // swallow the envelope, never reply

	_, err := d.Dispatch(context.Background(), ex, "rid-2", "generateContent", nil)
	be := cmn.AsBrokerError(err)
	if be.Code != cmn.ErrGatewayTimeout {
		t.Fatalf("expected gateway timeout, got %v", err)
	}
}

func TestDispatchRespectsCallerCancellation(t *testing.T) {
	reg := cluster.NewRegistry()
	corr := correlate.NewLayer()
	d := dispatch.New(reg, corr, time.Second)

	ex, ch := reg.Connect("exec-1", 4)
	go func() { <-ch }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, ex, "rid-3", "generateContent", nil)
	if err == nil {
		t.Fatal("expected error after caller cancellation")
	}
}

func TestDispatchStreamingYieldsChunksThenDone(t *testing.T) {
	reg := cluster.NewRegistry()
	corr := correlate.NewLayer()
	d := dispatch.New(reg, corr, time.Second)

	ex, ch := reg.Connect("exec-1", 4)
	go func() {
		raw := <-ch
		var e env
		json.Unmarshal(raw, &e)
		corr.Deliver(e.ID, "part-1", true, nil)
		corr.Deliver(e.ID, "part-2", true, nil)
		corr.Finish(e.ID)
	}()

	stream, err := d.DispatchStreaming(context.Background(), ex, "rid-4", "streamGenerateContent", nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for {
		chunk, done, err := stream.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
		got = append(got, chunk.(string))
	}
	if len(got) != 2 || got[0] != "part-1" || got[1] != "part-2" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestCancelSendsBestEffortEnvelope(t *testing.T) {
	reg := cluster.NewRegistry()
	corr := correlate.NewLayer()
	d := dispatch.New(reg, corr, time.Second)

	ex, ch := reg.Connect("exec-1", 4)
	corr.RegisterNonStreaming("rid-5", ex.ID)

	done := make(chan env, 1)
	go func() {
		raw := <-ch
		var e env
		json.Unmarshal(raw, &e)
		done <- e
	}()

	d.Cancel("rid-5")

	select {
	case e := <-done:
		if e.Type != "cancel" || e.ID != "rid-5" {
			t.Fatalf("unexpected cancel envelope: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected cancel envelope to be sent")
	}
}
