package broker

import (
	"testing"
	"time"

	"github.com/pyr33x/goqttd/internal/packet"
)

func TestDispatcherDeliversToMatchingSubscriber(t *testing.T) {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, nil)
	dispatcher := NewDispatcher(topics, sessions, nil)

	out := NewOutgoingChannel()
	sessions.AddClient("client-a", out, 100*time.Millisecond)
	topics.Subscribe("a/b", "client-a", SubscriptionOptions{QoS: packet.QoSAtMostOnce})

	dispatcher.Dispatch(&Message{Topic: "a/b", QoS: packet.QoSAtMostOnce, Payload: []byte("x")})

	select {
	case sig := <-out:
		if sig.Publish == nil || sig.Publish.Message.Topic != "a/b" {
			t.Fatalf("expected a publish signal for a/b, got %+v", sig)
		}
	default:
		t.Fatal("expected the subscriber to receive a delivery")
	}
}

func TestDispatcherSkipsOfflineSubscriber(t *testing.T) {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, nil)
	dispatcher := NewDispatcher(topics, sessions, nil)
	topics.Subscribe("a/b", "client-a", SubscriptionOptions{})

	// No AddClient call: client-a has no live outgoing sender. Dispatch
	// must not panic or block on a nonexistent channel.
	dispatcher.Dispatch(&Message{Topic: "a/b", Payload: []byte("x")})
}

func TestDispatcherNoLocalSkipsPublisher(t *testing.T) {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, nil)
	dispatcher := NewDispatcher(topics, sessions, nil)

	out := NewOutgoingChannel()
	sessions.AddClient("client-a", out, 100*time.Millisecond)
	topics.Subscribe("a/b", "client-a", SubscriptionOptions{NoLocal: true})

	dispatcher.Dispatch(&Message{Topic: "a/b", Payload: []byte("x"), PublisherClientID: "client-a"})

	select {
	case sig := <-out:
		t.Fatalf("expected no delivery back to the publisher under NoLocal, got %+v", sig)
	default:
	}
}

func TestDispatcherMinQoSEffectiveLevel(t *testing.T) {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, nil)
	dispatcher := NewDispatcher(topics, sessions, nil)

	out := NewOutgoingChannel()
	sessions.AddClient("client-a", out, 100*time.Millisecond)
	topics.Subscribe("a/b", "client-a", SubscriptionOptions{QoS: packet.QoSAtMostOnce})

	dispatcher.Dispatch(&Message{Topic: "a/b", QoS: packet.QoSExactlyOnce, Payload: []byte("x")})

	sig := <-out
	if sig.Publish.SubscribeQoS != packet.QoSAtMostOnce {
		t.Errorf("expected effective QoS to be min(publish QoS, subscribe QoS) = 0, got %d", sig.Publish.SubscribeQoS)
	}
}

func TestDispatcherSharedSubscriptionDeliversToOneMember(t *testing.T) {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, nil)
	dispatcher := NewDispatcher(topics, sessions, nil)

	outA := NewOutgoingChannel()
	outB := NewOutgoingChannel()
	sessions.AddClient("client-a", outA, 100*time.Millisecond)
	sessions.AddClient("client-b", outB, 100*time.Millisecond)
	topics.Subscribe("$share/workers/jobs", "client-a", SubscriptionOptions{})
	topics.Subscribe("$share/workers/jobs", "client-b", SubscriptionOptions{})

	dispatcher.Dispatch(&Message{Topic: "jobs", Payload: []byte("x")})

	delivered := 0
	for _, ch := range []chan *Outgoing{outA, outB} {
		select {
		case <-ch:
			delivered++
		default:
		}
	}
	if delivered != 1 {
		t.Errorf("expected exactly one shared-group member to receive the message, got %d", delivered)
	}
}
