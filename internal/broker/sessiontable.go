package broker

import (
	"hash/fnv"
	"sync"
	"time"
)

// sessionHandle is what SessionTable stores per live or orphaned client:
// the channel a remote task uses to signal that session's driver, plus
// enough bookkeeping to answer "is this handle still the current one?"
// (spec.md §4.4).
type sessionHandle struct {
	clientID    string
	outgoing    chan *Outgoing
	connectedAt time.Time
	live        bool // false once the driver has exited but state is retained for a clean_start=false resume
	orphanState *SessionState
}

const sessionTableStripes = 32

type sessionStripe struct {
	mu      sync.Mutex
	handles map[string]*sessionHandle
}

// SessionTable is C4: the process-wide ClientId -> connection-handle map.
// Striped across sessionTableStripes locks so unrelated client ids don't
// contend (spec.md §5, "striped concurrent map").
type SessionTable struct {
	stripes [sessionTableStripes]*sessionStripe
	topics  *TopicTree
	backend SessionBackend // optional, nil means in-process state only
}

func NewSessionTable(topics *TopicTree, backend SessionBackend) *SessionTable {
	t := &SessionTable{topics: topics, backend: backend}
	for i := range t.stripes {
		t.stripes[i] = &sessionStripe{handles: make(map[string]*sessionHandle)}
	}
	return t
}

func (t *SessionTable) stripeFor(clientID string) *sessionStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return t.stripes[h.Sum32()%sessionTableStripes]
}

// AddClientResult is returned by AddClient; its Result is one of the
// AddNew/AddPresent/AddAdopted constants declared in types.go.
type AddClientResult struct {
	Result AddResult
	// State is populated for AddPresent: the prior session's serialized
	// state, received over the one-shot channel after signaling it with
	// SessionTakenOver. Populated for AddAdopted directly from the
	// retained orphan handle.
	State *SessionState
}

// AddClient registers clientID's new connection, resolving any prior
// handle per spec.md §4.4:
//   - no prior handle: AddNew.
//   - prior handle still live (another connection driving it right now):
//     send a SessionTakeover signal on its outgoing channel and block on
//     replyTimeout for its serialized state -> AddPresent.
//   - prior handle retained but orphaned (its driver already exited,
//     e.g. a clean_start=false session waiting to be resumed): adopt its
//     state directly, no signaling needed -> AddAdopted.
func (t *SessionTable) AddClient(clientID string, outgoing chan *Outgoing, replyTimeout time.Duration) AddClientResult {
	s := t.stripeFor(clientID)
	s.mu.Lock()
	prior, existed := s.handles[clientID]
	newHandle := &sessionHandle{clientID: clientID, outgoing: outgoing, connectedAt: time.Now(), live: true}
	s.handles[clientID] = newHandle
	s.mu.Unlock()

	if !existed {
		if t.backend != nil {
			if state, found, err := t.backend.Load(clientID); err == nil && found {
				return AddClientResult{Result: AddAdopted, State: state}
			}
		}
		return AddClientResult{Result: AddNew}
	}

	if !prior.live {
		return AddClientResult{Result: AddAdopted, State: prior.orphanState}
	}

	reply := make(chan *SessionState, 1)
	select {
	case prior.outgoing <- &Outgoing{SessionTakeover: &TakeoverRequest{ReplyTo: reply}}:
	default:
		// prior driver's channel is already gone or full; treat as adopted
		// with whatever state it last published.
		return AddClientResult{Result: AddAdopted, State: prior.orphanState}
	}

	select {
	case state := <-reply:
		return AddClientResult{Result: AddPresent, State: state}
	case <-time.After(replyTimeout):
		return AddClientResult{Result: AddPresent, State: prior.orphanState}
	}
}

// Orphan marks clientID's handle as no longer live but retains its state
// for a future clean_start=false resume (spec.md §4.5 build_state/§4.4
// Adopted path). Call this when a driver exits without the client having
// requested session-end. Like RemoveClient, this only takes effect if
// outgoing still matches the handle currently installed for clientID — a
// driver that lost a takeover race (a newer connection already replaced
// its handle before it got here) must not flip the newer handle back to
// orphaned, or GetOutgoingSender would wrongly report the new connection
// offline and the Dispatcher would silently drop its messages.
func (t *SessionTable) Orphan(clientID string, outgoing chan *Outgoing, state *SessionState) bool {
	s := t.stripeFor(clientID)
	s.mu.Lock()
	h, ok := s.handles[clientID]
	if !ok || h.outgoing != outgoing {
		s.mu.Unlock()
		return false
	}
	h.live = false
	h.orphanState = state
	s.mu.Unlock()

	if t.backend != nil && state != nil {
		_ = t.backend.Save(clientID, state)
	}
	return true
}

// RemoveClient atomically deletes clientID's handle, but only if it still
// matches the caller's own handle reference (guards against removing a
// handle a newer connection has since installed), and removes clientID's
// subscriptions from the topic tree (spec.md §4.4).
func (t *SessionTable) RemoveClient(clientID string, outgoing chan *Outgoing, subscriptions []string) bool {
	s := t.stripeFor(clientID)
	s.mu.Lock()
	h, ok := s.handles[clientID]
	if !ok || h.outgoing != outgoing {
		s.mu.Unlock()
		return false
	}
	delete(s.handles, clientID)
	s.mu.Unlock()

	if t.topics != nil {
		t.topics.UnsubscribeAll(clientID, subscriptions)
	}
	return true
}

// GetOutgoingSender returns the live outgoing channel for clientID, for
// Will publication and dispatcher delivery (spec.md §4.4, §4.7). ok is
// false if no live handle exists (client offline or never connected).
func (t *SessionTable) GetOutgoingSender(clientID string) (chan *Outgoing, bool) {
	s := t.stripeFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[clientID]
	if !ok || !h.live {
		return nil, false
	}
	return h.outgoing, true
}

// ForgetPersisted discards any backend-persisted snapshot for clientID,
// used on a clean_start=true CONNECT so a stale cross-restart snapshot
// doesn't resurrect state the client explicitly asked to discard.
func (t *SessionTable) ForgetPersisted(clientID string) {
	if t.backend != nil {
		_ = t.backend.Delete(clientID)
	}
}

func (t *SessionTable) Count() int {
	total := 0
	for _, s := range t.stripes {
		s.mu.Lock()
		total += len(s.handles)
		s.mu.Unlock()
	}
	return total
}
