package broker

import (
	"testing"
	"time"
)

func TestSessionTableAddNew(t *testing.T) {
	table := NewSessionTable(NewTopicTree(), nil)
	out := make(chan *Outgoing, 1)

	result := table.AddClient("client-a", out, 100*time.Millisecond)
	if result.Result != AddNew {
		t.Fatalf("expected AddNew for a first connection, got %v", result.Result)
	}
	if table.Count() != 1 {
		t.Errorf("expected 1 registered handle, got %d", table.Count())
	}
}

func TestSessionTableTakeoverWhileLive(t *testing.T) {
	table := NewSessionTable(NewTopicTree(), nil)
	firstOut := make(chan *Outgoing, 1)
	table.AddClient("client-a", firstOut, 200*time.Millisecond)

	state := &SessionState{ServerPacketID: 5}
	go func() {
		sig := <-firstOut
		if sig.SessionTakeover == nil {
			t.Error("expected a SessionTakeover signal on the prior connection's channel")
			return
		}
		sig.SessionTakeover.ReplyTo <- state
	}()

	secondOut := make(chan *Outgoing, 1)
	result := table.AddClient("client-a", secondOut, 500*time.Millisecond)
	if result.Result != AddPresent {
		t.Fatalf("expected AddPresent when the prior connection replies, got %v", result.Result)
	}
	if result.State != state {
		t.Error("expected the prior connection's replied state to be returned")
	}
}

func TestSessionTableAdoptOrphanedState(t *testing.T) {
	table := NewSessionTable(NewTopicTree(), nil)
	out := make(chan *Outgoing, 1)
	table.AddClient("client-a", out, 100*time.Millisecond)

	state := &SessionState{ServerPacketID: 9}
	table.Orphan("client-a", out, state)

	result := table.AddClient("client-a", make(chan *Outgoing, 1), 100*time.Millisecond)
	if result.Result != AddAdopted {
		t.Fatalf("expected AddAdopted for an orphaned handle, got %v", result.Result)
	}
	if result.State != state {
		t.Error("expected the orphaned state to be adopted")
	}
}

func TestSessionTableRemoveClientGuardsStaleHandle(t *testing.T) {
	topics := NewTopicTree()
	table := NewSessionTable(topics, nil)
	topics.Subscribe("a/b", "client-a", SubscriptionOptions{})

	out := make(chan *Outgoing, 1)
	table.AddClient("client-a", out, 100*time.Millisecond)

	if table.RemoveClient("client-a", make(chan *Outgoing, 1), []string{"a/b"}) {
		t.Error("expected RemoveClient to refuse a mismatched outgoing channel")
	}
	if !table.RemoveClient("client-a", out, []string{"a/b"}) {
		t.Error("expected RemoveClient to succeed with the matching channel")
	}
	if len(topics.MatchTopic("a/b")) != 0 {
		t.Error("expected RemoveClient to clear the client's subscriptions from the topic tree")
	}
}

func TestSessionTableGetOutgoingSenderOnlyLive(t *testing.T) {
	table := NewSessionTable(NewTopicTree(), nil)
	out := make(chan *Outgoing, 1)
	table.AddClient("client-a", out, 100*time.Millisecond)

	if _, ok := table.GetOutgoingSender("client-a"); !ok {
		t.Error("expected a live handle to have a retrievable outgoing sender")
	}

	table.Orphan("client-a", out, &SessionState{})
	if _, ok := table.GetOutgoingSender("client-a"); ok {
		t.Error("expected an orphaned handle to not be considered live")
	}
}

func TestSessionTableOrphanGuardsStaleHandle(t *testing.T) {
	table := NewSessionTable(NewTopicTree(), nil)
	out := make(chan *Outgoing, 1)
	table.AddClient("client-a", out, 100*time.Millisecond)

	if table.Orphan("client-a", make(chan *Outgoing, 1), &SessionState{}) {
		t.Error("expected Orphan to refuse a mismatched outgoing channel")
	}
	if _, ok := table.GetOutgoingSender("client-a"); !ok {
		t.Error("expected the live handle to be unaffected by a mismatched Orphan call")
	}
	if !table.Orphan("client-a", out, &SessionState{}) {
		t.Error("expected Orphan to succeed with the matching channel")
	}
}

// fakeSessionBackend verifies SessionTable wires through to an optional
// persistence backend for cross-restart resume.
type fakeSessionBackend struct {
	saved   map[string]*SessionState
	deleted []string
}

func newFakeSessionBackend() *fakeSessionBackend {
	return &fakeSessionBackend{saved: make(map[string]*SessionState)}
}

func (f *fakeSessionBackend) Save(clientID string, state *SessionState) error {
	f.saved[clientID] = state
	return nil
}

func (f *fakeSessionBackend) Load(clientID string) (*SessionState, bool, error) {
	state, ok := f.saved[clientID]
	return state, ok, nil
}

func (f *fakeSessionBackend) Delete(clientID string) error {
	f.deleted = append(f.deleted, clientID)
	delete(f.saved, clientID)
	return nil
}

func TestSessionTableBackendRecoversAcrossRestart(t *testing.T) {
	backend := newFakeSessionBackend()
	backend.saved["client-a"] = &SessionState{ServerPacketID: 3}

	table := NewSessionTable(NewTopicTree(), backend)
	result := table.AddClient("client-a", make(chan *Outgoing, 1), 100*time.Millisecond)

	if result.Result != AddAdopted {
		t.Fatalf("expected AddAdopted when the backend holds a persisted session, got %v", result.Result)
	}
	if result.State.ServerPacketID != 3 {
		t.Errorf("expected the persisted state to be recovered, got %+v", result.State)
	}
}

func TestSessionTableForgetPersisted(t *testing.T) {
	backend := newFakeSessionBackend()
	backend.saved["client-a"] = &SessionState{}

	table := NewSessionTable(NewTopicTree(), backend)
	table.ForgetPersisted("client-a")

	if len(backend.deleted) != 1 || backend.deleted[0] != "client-a" {
		t.Errorf("expected ForgetPersisted to call backend.Delete, got %v", backend.deleted)
	}
}
