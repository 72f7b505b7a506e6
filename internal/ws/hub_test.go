package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"govorilka/internal/models"
	"govorilka/internal/presence"
)

type nopActivity struct{}

func (nopActivity) RecordActivity(string, int64) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(userID string, msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func newTestHub(t *testing.T) (*Hub, *recordingNotifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifier := &recordingNotifier{}
	tracker := presence.NewTracker(ctx, nopActivity{}, time.Hour)
	return NewHub(tracker, notifier), notifier
}

func expectFrame(t *testing.T, ch chan models.ServerFrame) models.ServerFrame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return models.ServerFrame{}
	}
}

func expectNoFrame(t *testing.T, ch chan models.ServerFrame) {
	t.Helper()
	select {
	case frame := <-ch:
		t.Fatalf("unexpected frame: %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishRoutesToParticipants(t *testing.T) {
	hub, _ := newTestHub(t)

	chAlice := hub.Join("alice")
	chBob := hub.Join("bob")
	chCarol := hub.Join("carol")

	// Joining broadcasts presence; drain those frames first.
	expectFrame(t, chAlice) // bob online
	expectFrame(t, chAlice) // carol online
	expectFrame(t, chBob)   // carol online

	msg := models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	hub.Publish(models.ChangeEvent{
		Op: models.ChangeOpInsert, Message: &msg,
		SenderID: "alice", ReceiverID: "bob",
	})

	for _, ch := range []chan models.ServerFrame{chAlice, chBob} {
		frame := expectFrame(t, ch)
		if frame.Type != models.ServerFrameTypeEvent || frame.Event == nil {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		if frame.Event.Message.ID != "m1" {
			t.Errorf("wrong message: %+v", frame.Event)
		}
	}

	// Third parties never see the event.
	expectNoFrame(t, chCarol)
}

func TestHub_OfflineReceiverGetsPush(t *testing.T) {
	hub, notifier := newTestHub(t)

	chAlice := hub.Join("alice")

	msg := models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	hub.Publish(models.ChangeEvent{
		Op: models.ChangeOpInsert, Message: &msg,
		SenderID: "alice", ReceiverID: "bob",
	})

	// Sender still gets the echo frame.
	frame := expectFrame(t, chAlice)
	if frame.Event == nil || frame.Event.Message.ID != "m1" {
		t.Fatalf("sender echo missing: %+v", frame)
	}

	calls := notifier.notified()
	if len(calls) != 1 || calls[0] != "bob" {
		t.Errorf("expected push to bob, got %v", calls)
	}

	// Status updates for offline users are not push-worthy.
	hub.Publish(models.ChangeEvent{
		Op: models.ChangeOpUpdate, Message: &msg,
		SenderID: "alice", ReceiverID: "bob",
	})
	if len(notifier.notified()) != 1 {
		t.Error("update event triggered a push")
	}
}

func TestHub_PresenceBroadcast(t *testing.T) {
	hub, _ := newTestHub(t)

	chAlice := hub.Join("alice")

	chBob := hub.Join("bob")
	frame := expectFrame(t, chAlice)
	if frame.Type != models.ServerFrameTypeOnline || frame.UserID != "bob" {
		t.Fatalf("expected bob online frame, got %+v", frame)
	}
	if !hub.IsOnline("bob") {
		t.Error("bob not online after join")
	}

	hub.Leave("bob", chBob)
	frame = expectFrame(t, chAlice)
	if frame.Type != models.ServerFrameTypeOffline || frame.UserID != "bob" {
		t.Fatalf("expected bob offline frame, got %+v", frame)
	}
	if hub.IsOnline("bob") {
		t.Error("bob still online after leave")
	}
}

func TestHub_ReconnectReplacesChannel(t *testing.T) {
	hub, _ := newTestHub(t)

	first := hub.Join("alice")
	second := hub.Join("alice")

	// The old channel is closed so the stale connection loop exits.
	select {
	case _, ok := <-first:
		if ok {
			t.Error("expected old channel closed, got frame")
		}
	case <-time.After(time.Second):
		t.Error("old channel not closed on reconnect")
	}

	if !hub.IsOnline("alice") {
		t.Error("alice offline after reconnect")
	}

	hub.DisconnectUser("alice")
	select {
	case _, ok := <-second:
		if ok {
			t.Error("expected channel closed on disconnect")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed on disconnect")
	}
	if hub.IsOnline("alice") {
		t.Error("alice online after admin disconnect")
	}
}
