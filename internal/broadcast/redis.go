package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster relays events through Redis pub/sub so that every
// process subscribed to the same prefix delivers them to its local
// members. Join, Leave and Count act on the local Registry.
type RedisBroadcaster struct {
	*Registry
	client *redis.Client
	prefix string
	log    *log.Logger
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

func NewRedisBroadcaster(client *redis.Client, prefix string, local *Registry, logger *log.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &RedisBroadcaster{
		Registry: local,
		client:   client,
		prefix:   prefix,
		log:      logger,
	}
}

func (b *RedisBroadcaster) channel(roomId int) string {
	return fmt.Sprintf("%s:room:%d", b.prefix, roomId)
}

func (b *RedisBroadcaster) pattern() string {
	return b.prefix + ":room:*"
}

func (b *RedisBroadcaster) roomIdFromChannel(channel string) (int, error) {
	rest, ok := strings.CutPrefix(channel, b.prefix+":room:")
	if !ok {
		return 0, fmt.Errorf("unexpected channel %q", channel)
	}
	return strconv.Atoi(rest)
}

func (b *RedisBroadcaster) Publish(ctx context.Context, roomId int, ev *types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(roomId), data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}

	return nil
}

// Run subscribes to every room channel and delivers received events
// locally. It returns when ctx is done or the subscription fails.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.pattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %q: %w", b.pattern(), err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.handleMessage(msg)
		}
	}
}

func (b *RedisBroadcaster) handleMessage(msg *redis.Message) {
	roomId, err := b.roomIdFromChannel(msg.Channel)
	if err != nil {
		b.log.Printf("redis: %v", err)
		return
	}

	var ev types.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		b.log.Printf("redis: invalid event on %q: %v", msg.Channel, err)
		return
	}

	b.Registry.deliver(roomId, &ev)
}
