package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/pyr33x/goqttd/pkg/er"
)

// fakeClock lets tests control the retry window deterministically instead
// of sleeping real wall-clock time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestMessageStoreSaveAndPuback(t *testing.T) {
	store := NewMessageStore(nil)
	entry := &InflightEntry{PacketID: 1, State: AwaitingPuback, Message: &Message{Topic: "a/b"}}

	if err := store.SaveOutboundPublish("client-a", entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Count("client-a") != 1 {
		t.Fatalf("expected 1 in-flight entry, got %d", store.Count("client-a"))
	}

	if !store.Puback("client-a", 1) {
		t.Error("expected Puback to find and remove the entry")
	}
	if store.Count("client-a") != 0 {
		t.Errorf("expected 0 in-flight entries after Puback, got %d", store.Count("client-a"))
	}
	if store.Puback("client-a", 1) {
		t.Error("expected a second Puback for the same packet id to report false")
	}
}

func TestMessageStoreQueueFullRejectsNewEntries(t *testing.T) {
	store := NewMessageStore(nil)
	store.capacity = 1

	first := &InflightEntry{PacketID: 1, Message: &Message{Topic: "a"}}
	second := &InflightEntry{PacketID: 2, Message: &Message{Topic: "b"}}

	if err := store.SaveOutboundPublish("client-a", first); err != nil {
		t.Fatalf("unexpected error on first insert: %v", err)
	}
	err := store.SaveOutboundPublish("client-a", second)
	if err == nil {
		t.Fatal("expected ErrQueueFull once capacity is reached")
	}
	var brokerErr *er.Err
	if !errors.As(err, &brokerErr) || brokerErr.Message != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestMessageStoreQoS2DedupAndRelease(t *testing.T) {
	store := NewMessageStore(nil)
	msg := &Message{Topic: "a/b", Payload: []byte("x")}

	if dup := store.SaveIncomingQoS2("client-a", 5, msg); dup {
		t.Error("first PUBLISH for a packet id should not be reported duplicate")
	}
	if dup := store.SaveIncomingQoS2("client-a", 5, msg); !dup {
		t.Error("a repeated PUBLISH before PUBREL must be reported duplicate")
	}

	released, ok := store.PubrelInbound("client-a", 5)
	if !ok || released != msg {
		t.Fatal("expected PubrelInbound to return the stored message exactly once")
	}
	if _, ok := store.PubrelInbound("client-a", 5); ok {
		t.Error("expected the dedup entry to be cleared after PubrelInbound")
	}
}

func TestMessageStorePendingMessagesRetryAndExpiry(t *testing.T) {
	store := NewMessageStore(nil)
	clk := &fakeClock{now: time.Unix(0, 0)}
	store.clk = clk
	store.retryWindow = 10 * time.Second
	store.maxRetries = 1

	entry := &InflightEntry{PacketID: 7, Message: &Message{Topic: "a/b"}}
	if err := store.SaveOutboundPublish("client-a", entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if due := store.PendingMessages("client-a"); len(due) != 0 {
		t.Fatalf("expected no due entries before the retry window elapses, got %d", len(due))
	}

	clk.now = clk.now.Add(11 * time.Second)
	due := store.PendingMessages("client-a")
	if len(due) != 1 || due[0].RetryCount != 1 {
		t.Fatalf("expected one retry at count 1, got %+v", due)
	}

	clk.now = clk.now.Add(11 * time.Second)
	due = store.PendingMessages("client-a")
	if len(due) != 0 {
		t.Errorf("expected the entry to be dropped after exceeding maxRetries, got %d", len(due))
	}
	if store.Count("client-a") != 0 {
		t.Errorf("expected the expired entry to be removed from the queue, count = %d", store.Count("client-a"))
	}
}

func TestMessageStoreClear(t *testing.T) {
	store := NewMessageStore(nil)
	store.SaveOutboundPublish("client-a", &InflightEntry{PacketID: 1, Message: &Message{Topic: "a"}})

	store.Clear("client-a")
	if store.Count("client-a") != 0 {
		t.Errorf("expected Clear to remove all entries, got %d", store.Count("client-a"))
	}
}

// fakeInflightBackend records SaveAll/Clear calls to verify MessageStore
// wires through to an optional persistence backend.
type fakeInflightBackend struct {
	savedFor string
	saved    []*InflightEntry
	cleared  []string
	preload  map[string][]*InflightEntry
}

func (f *fakeInflightBackend) SaveAll(clientID string, entries []*InflightEntry) error {
	f.savedFor = clientID
	f.saved = entries
	return nil
}

func (f *fakeInflightBackend) LoadAll(clientID string) ([]*InflightEntry, error) {
	return f.preload[clientID], nil
}

func (f *fakeInflightBackend) Clear(clientID string) error {
	f.cleared = append(f.cleared, clientID)
	return nil
}

func TestMessageStoreBackendWiring(t *testing.T) {
	backend := &fakeInflightBackend{
		preload: map[string][]*InflightEntry{
			"client-a": {{PacketID: 9, Message: &Message{Topic: "a"}}},
		},
	}
	store := NewMessageStore(backend)

	if store.Count("client-a") != 1 {
		t.Fatalf("expected queueFor to preload from backend, count = %d", store.Count("client-a"))
	}

	store.SaveOutboundPublish("client-a", &InflightEntry{PacketID: 10, Message: &Message{Topic: "b"}})
	if backend.savedFor != "client-a" || len(backend.saved) != 2 {
		t.Errorf("expected SaveOutboundPublish to persist the full snapshot, got %+v", backend.saved)
	}

	store.Clear("client-a")
	if len(backend.cleared) != 1 || backend.cleared[0] != "client-a" {
		t.Errorf("expected Clear to call backend.Clear, got %v", backend.cleared)
	}
}
