// Package redis persists retained messages in Redis, one string key per
// topic, so RetainStore's contents are shared across broker processes
// instead of pinned to a single instance's memory (spec.md §4 [EXPANDED],
// C1 RetainStore implementations).
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/pkg/er"
)

const keyPrefix = "goqttd:retain:"

// Retain is a broker.RetainBackend backed by a redis.Client. A Message is
// stored JSON-encoded under "goqttd:retain:<topic>" so a SCAN at startup
// can reconstruct the full retained set.
type Retain struct {
	client *redis.Client
}

func NewRetain(client *redis.Client) *Retain {
	return &Retain{client: client}
}

func key(topic string) string {
	return keyPrefix + topic
}

func (r *Retain) Save(msg *broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &er.Err{Context: "redis.Retain.Save", Message: err}
	}
	return r.client.Set(context.Background(), key(msg.Topic), data, 0).Err()
}

func (r *Retain) Delete(topic string) error {
	return r.client.Del(context.Background(), key(topic)).Err()
}

func (r *Retain) LoadAll() ([]*broker.Message, error) {
	ctx := context.Background()
	var out []*broker.Message
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var msg broker.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
