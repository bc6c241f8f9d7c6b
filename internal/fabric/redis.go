package fabric

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mingleapp/chatd/internal/protocol"
)

const redisChannelPrefix = "fabric:"

// Redis is a Fabric that spans multiple broker processes. Local
// subscriptions are tracked in-process; publishes travel through Redis
// pub/sub so every process delivers to its own subscribers.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *Local
	log    zerolog.Logger

	mu   sync.Mutex
	refs map[string]int
}

// NewRedis connects to the Redis at url and starts the receive loop. The
// context bounds the fabric's lifetime.
func NewRedis(ctx context.Context, url string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	f := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		local:  NewLocal(),
		log:    log,
		refs:   make(map[string]int),
	}
	go f.receiveLoop()
	return f, nil
}

// Subscribe registers a local subscriber and joins the Redis channel for
// the group when this process had no subscribers yet.
func (f *Redis) Subscribe(group, handle string, ch chan<- protocol.Frame) {
	f.local.Subscribe(group, handle, ch)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[group]++
	if f.refs[group] == 1 {
		if err := f.pubsub.Subscribe(context.Background(), redisChannelPrefix+group); err != nil {
			f.log.Error().Err(err).Str("group", group).Msg("fabric: redis subscribe")
		}
	}
}

// Unsubscribe removes the local subscriber and leaves the Redis channel
// once the last local subscriber for the group is gone.
func (f *Redis) Unsubscribe(group, handle string) {
	f.local.Unsubscribe(group, handle)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[group] == 0 {
		return
	}
	f.refs[group]--
	if f.refs[group] == 0 {
		delete(f.refs, group)
		if err := f.pubsub.Unsubscribe(context.Background(), redisChannelPrefix+group); err != nil {
			f.log.Error().Err(err).Str("group", group).Msg("fabric: redis unsubscribe")
		}
	}
}

// Publish sends the frame through Redis; every process fans it out to its
// own subscribers, this one included.
func (f *Redis) Publish(ctx context.Context, group string, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, redisChannelPrefix+group, data).Err()
}

// Close tears down the Redis subscription and connection.
func (f *Redis) Close() error {
	if err := f.pubsub.Close(); err != nil {
		return err
	}
	return f.client.Close()
}

func (f *Redis) receiveLoop() {
	for msg := range f.pubsub.Channel() {
		group := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			f.log.Warn().Err(err).Str("group", group).Msg("fabric: drop undecodable frame")
			continue
		}
		f.local.deliver(group, frame)
	}
}
