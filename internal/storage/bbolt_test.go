package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"govorilka/internal/auth"
	"govorilka/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPairKey(t *testing.T) {
	if PairKey("bob", "alice") != PairKey("alice", "bob") {
		t.Error("pair key is not symmetric")
	}
	a, b, ok := SplitPairKey(PairKey("bob", "alice"))
	if !ok || a != "alice" || b != "bob" {
		t.Errorf("unexpected split: %q %q %v", a, b, ok)
	}
}

func TestCredentials(t *testing.T) {
	store := newTestStorage(t)

	creds := auth.UserCredentials{
		User: models.User{
			ID:          "user1",
			UserName:    "alice",
			DisplayName: "Alice",
			Status:      models.UserStatusActive,
			Presence:    models.Presence{LastSeen: 100, LastActive: 50},
		},
		PasswordHash: "hash",
		TOTPSecret:   "secret",
		LastTOTP:     123456,
	}

	if err := store.UpsertCredentials(creds); err != nil {
		t.Fatalf("UpsertCredentials failed: %v", err)
	}

	list, err := store.ListAllCredentials()
	if err != nil {
		t.Fatalf("ListAllCredentials failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(list))
	}
	got := list[0]
	if got.ID != creds.ID || got.UserName != creds.UserName {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.TOTPSecret != creds.TOTPSecret || got.LastTOTP != creds.LastTOTP {
		t.Errorf("TOTP fields mismatch: %+v", got)
	}
	if got.Presence.LastSeen != 100 || got.Presence.LastActive != 50 {
		t.Errorf("presence timestamps mismatch: %+v", got.Presence)
	}
	if got.Status != models.UserStatusActive {
		t.Errorf("expected status active, got %s", got.Status)
	}
}

func TestInsertMessage_AssignsSequence(t *testing.T) {
	store := newTestStorage(t)

	// Same createdAt on purpose: ordering must come from seq, not time.
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			ID:         string(rune('a' + i)),
			SenderID:   "alice",
			ReceiverID: "bob",
			Content:    "hi",
			Status:     models.MessageStatusSent,
			CreatedAt:  1000,
		}
		if err := store.InsertMessage(msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, msg.Seq)
		}
	}

	// Reverse-direction messages share the same pair sequence.
	reply := &models.Message{
		ID:         "reply",
		SenderID:   "bob",
		ReceiverID: "alice",
		Content:    "hello",
		Status:     models.MessageStatusSent,
		CreatedAt:  1001,
	}
	if err := store.InsertMessage(reply); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if reply.Seq != 4 {
		t.Errorf("expected seq 4, got %d", reply.Seq)
	}

	msgs, err := store.ListConversation("bob", "alice")
	if err != nil {
		t.Fatalf("ListConversation failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i := range msgs {
		if msgs[i].Seq != int64(i+1) {
			t.Errorf("message %d out of order: seq %d", i, msgs[i].Seq)
		}
	}
}

func TestMutateMessage(t *testing.T) {
	store := newTestStorage(t)

	msg := &models.Message{
		ID:         "m1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hi",
		Status:     models.MessageStatusSeen,
		CreatedAt:  1000,
	}
	if err := store.InsertMessage(msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	t.Run("RejectsStatusRegression", func(t *testing.T) {
		_, _, err := store.MutateMessage("m1", func(m *models.Message) (bool, error) {
			m.Status = models.MessageStatusSent
			return true, nil
		})
		if !errors.Is(err, ErrStatusRegression) {
			t.Errorf("expected ErrStatusRegression, got %v", err)
		}

		got, err := store.GetMessage("m1")
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if got.Status != models.MessageStatusSeen {
			t.Errorf("status changed despite rejection: %s", got.Status)
		}
	})

	t.Run("KeepsIdentityImmutable", func(t *testing.T) {
		got, applied, err := store.MutateMessage("m1", func(m *models.Message) (bool, error) {
			m.SenderID = "mallory"
			m.Seq = 99
			m.Content = "edited"
			return true, nil
		})
		if err != nil || !applied {
			t.Fatalf("MutateMessage failed: %v applied=%v", err, applied)
		}
		if got.SenderID != "alice" || got.Seq != msg.Seq {
			t.Errorf("identity fields changed: %+v", got)
		}
		if got.Content != "edited" {
			t.Errorf("content not updated: %q", got.Content)
		}
	})

	t.Run("ApplyFalseLeavesRecord", func(t *testing.T) {
		_, applied, err := store.MutateMessage("m1", func(m *models.Message) (bool, error) {
			m.Content = "discarded"
			return false, nil
		})
		if err != nil || applied {
			t.Fatalf("unexpected result: %v applied=%v", err, applied)
		}
		got, _ := store.GetMessage("m1")
		if got.Content != "edited" {
			t.Errorf("record changed on apply=false: %q", got.Content)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, _, err := store.MutateMessage("nope", func(m *models.Message) (bool, error) {
			return true, nil
		})
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBulkTransition(t *testing.T) {
	store := newTestStorage(t)

	insert := func(id, sender, receiver string, status models.MessageStatus) {
		t.Helper()
		msg := &models.Message{
			ID: id, SenderID: sender, ReceiverID: receiver,
			Content: "x", Status: status, CreatedAt: 1000,
		}
		if err := store.InsertMessage(msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	insert("m1", "alice", "bob", models.MessageStatusSent)
	insert("m2", "alice", "bob", models.MessageStatusSent)
	insert("m3", "bob", "alice", models.MessageStatusSent) // bob is sender, not touched
	insert("m4", "alice", "bob", models.MessageStatusSeen) // already seen, not touched

	updated, err := store.BulkTransition("bob", "alice", "bob", models.MessageStatusSeen, 2000)
	if err != nil {
		t.Fatalf("BulkTransition failed: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updated))
	}
	for _, m := range updated {
		if m.Status != models.MessageStatusSeen || m.ReadAt != 2000 {
			t.Errorf("unexpected transition result: %+v", m)
		}
	}

	// Second run is a no-op.
	updated, err = store.BulkTransition("bob", "alice", "bob", models.MessageStatusSeen, 3000)
	if err != nil {
		t.Fatalf("BulkTransition failed: %v", err)
	}
	if len(updated) != 0 {
		t.Errorf("expected idempotent bulk transition, got %d updates", len(updated))
	}
}

func TestUnreadAndLastMessage(t *testing.T) {
	store := newTestStorage(t)

	mk := func(id string, status models.MessageStatus, deleted bool, createdAt int64) {
		t.Helper()
		msg := &models.Message{
			ID: id, SenderID: "alice", ReceiverID: "bob",
			Content: "x", Status: status, Deleted: deleted, CreatedAt: createdAt,
		}
		if err := store.InsertMessage(msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	mk("m1", models.MessageStatusSeen, false, 100)
	mk("m2", models.MessageStatusSent, false, 200)
	mk("m3", models.MessageStatusDelivered, false, 300)
	mk("m4", models.MessageStatusSent, true, 400) // tombstone, keeps its slot

	count, err := store.CountUnread("alice", "bob", "bob")
	if err != nil {
		t.Fatalf("CountUnread failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 unread, got %d", count)
	}

	last, found, err := store.LastMessage("alice", "bob")
	if err != nil || !found {
		t.Fatalf("LastMessage failed: %v found=%v", err, found)
	}
	if last.ID != "m4" || !last.Deleted {
		t.Errorf("expected tombstone m4 as last message, got %+v", last)
	}

	counterparts, err := store.ListCounterparts("bob")
	if err != nil {
		t.Fatalf("ListCounterparts failed: %v", err)
	}
	if ts, ok := counterparts["alice"]; !ok || ts != 400 {
		t.Errorf("unexpected counterparts: %v", counterparts)
	}
}

func TestTokens(t *testing.T) {
	store := newTestStorage(t)

	if err := store.UpsertToken("user1", "hash1"); err != nil {
		t.Fatalf("UpsertToken failed: %v", err)
	}
	if err := store.UpsertToken("user1", "hash2"); err != nil {
		t.Fatalf("UpsertToken failed: %v", err)
	}

	tokens, err := store.ListTokens()
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	if len(tokens) != 2 || tokens["hash1"] != "user1" {
		t.Errorf("unexpected tokens: %v", tokens)
	}

	if err := store.DeleteToken("hash1"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	tokens, _ = store.ListTokens()
	if _, ok := tokens["hash1"]; ok {
		t.Error("token not deleted")
	}
}

func TestRegistrationTokens(t *testing.T) {
	store := newTestStorage(t)

	if err := store.UpsertRegistrationToken("user1", "invite1"); err != nil {
		t.Fatalf("UpsertRegistrationToken failed: %v", err)
	}
	// A reset replaces the previous invite.
	if err := store.UpsertRegistrationToken("user1", "invite2"); err != nil {
		t.Fatalf("UpsertRegistrationToken failed: %v", err)
	}

	tokens, err := store.ListRegistrationTokens()
	if err != nil {
		t.Fatalf("ListRegistrationTokens failed: %v", err)
	}
	if len(tokens) != 1 || tokens["user1"] != "invite2" {
		t.Errorf("unexpected registration tokens: %v", tokens)
	}

	if err := store.DeleteRegistrationToken("user1"); err != nil {
		t.Fatalf("DeleteRegistrationToken failed: %v", err)
	}
	tokens, _ = store.ListRegistrationTokens()
	if len(tokens) != 0 {
		t.Errorf("registration token not deleted: %v", tokens)
	}
}

func TestPushSubscriptions(t *testing.T) {
	store := newTestStorage(t)

	sub := DBPushSubscription{
		UserID:   "user1",
		Endpoint: "https://push.example/ep1",
		Payload:  []byte(`{"endpoint":"https://push.example/ep1"}`),
	}
	if err := store.UpsertPushSubscription(sub); err != nil {
		t.Fatalf("UpsertPushSubscription failed: %v", err)
	}
	other := DBPushSubscription{UserID: "user2", Endpoint: "https://push.example/ep2", Payload: []byte(`{}`)}
	if err := store.UpsertPushSubscription(other); err != nil {
		t.Fatalf("UpsertPushSubscription failed: %v", err)
	}

	subs, err := store.ListPushSubscriptions("user1")
	if err != nil {
		t.Fatalf("ListPushSubscriptions failed: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != sub.Endpoint {
		t.Errorf("unexpected subscriptions: %+v", subs)
	}

	if err := store.DeletePushSubscription(sub.Endpoint); err != nil {
		t.Fatalf("DeletePushSubscription failed: %v", err)
	}
	subs, _ = store.ListPushSubscriptions("user1")
	if len(subs) != 0 {
		t.Errorf("subscription not deleted: %+v", subs)
	}
}

func TestFileMetadata(t *testing.T) {
	store := newTestStorage(t)

	meta := FileMetadata{
		ID:        "file1",
		Hash:      "abc123",
		MimeType:  "image/png",
		Size:      42,
		CreatedAt: 1000,
		UserID:    "user1",
	}
	if err := store.UpsertFileMetadata(meta); err != nil {
		t.Fatalf("UpsertFileMetadata failed: %v", err)
	}

	got, err := store.GetFileMetadata("file1")
	if err != nil {
		t.Fatalf("GetFileMetadata failed: %v", err)
	}
	if got != meta {
		t.Errorf("metadata roundtrip mismatch: %+v != %+v", got, meta)
	}

	if _, err := store.GetFileMetadata("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing metadata, got %v", err)
	}
}

func TestStorageSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	msg := &models.Message{
		ID: "m1", SenderID: "alice", ReceiverID: "bob",
		Content: "persisted", Status: models.MessageStatusSent, CreatedAt: 100,
	}
	if err := store.InsertMessage(msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage after reopen failed: %v", err)
	}
	if got.Content != "persisted" || got.Seq != 1 {
		t.Errorf("unexpected message after reopen: %+v", got)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}
