package kvdex

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// QueueMessage is the envelope of every queued payload.
type QueueMessage struct {
	HandlerID string             `msgpack:"handler_id"`
	Topic     string             `msgpack:"topic,omitempty"`
	Data      msgpack.RawMessage `msgpack:"data"`
}

// Decode unmarshals the message data into v.
func (m *QueueMessage) Decode(v any) error {
	return unmarshal(m.Data, v)
}

// QueueHandler handles a message. Returning an error requests redelivery.
type QueueHandler func(ctx context.Context, msg *QueueMessage) error

// UndeliveredMessage is a message kept after delivery was given up.
type UndeliveredMessage struct {
	ID           keys.Part
	Versionstamp store.Versionstamp
	Message      QueueMessage
}

// queueScope routes messages of one collection, or of the database when
// root is empty.
type queueScope struct {
	db   *Database
	root keys.Key
}

// handlerID derives the routing id from the root key and topic so that
// listeners only see messages enqueued on the same collection and topic.
func (q queueScope) handlerID(topic string) (string, error) {
	root, err := keys.Encode(q.root)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.Write(root)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(topic)
	return strconv.FormatUint(h.Sum64(), 16), nil
}

func (q queueScope) enqueue(ctx context.Context, data any, opts EnqueueOptions) error {
	id, err := q.handlerID(opts.Topic)
	if err != nil {
		return err
	}
	encoded, err := marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message data: %w", err)
	}
	payload, err := marshal(QueueMessage{HandlerID: id, Topic: opts.Topic, Data: encoded})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	undelivered := make([][]byte, 0, len(opts.IDsIfUndelivered))
	for _, uid := range opts.IDsIfUndelivered {
		key, err := keys.Encode(keys.UndeliveredKey(q.root, uid))
		if err != nil {
			return fmt.Errorf("undelivered id: %w", err)
		}
		undelivered = append(undelivered, key)
	}

	if err := q.db.store.Enqueue(ctx, payload, store.EnqueueOptions{
		Delay:             opts.Delay,
		KeysIfUndelivered: undelivered,
	}); err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}
	return nil
}

func (q queueScope) listen(ctx context.Context, handler QueueHandler, opts ListenOptions) error {
	want, err := q.handlerID(opts.Topic)
	if err != nil {
		return err
	}
	return q.db.store.Listen(ctx, func(ctx context.Context, payload []byte) error {
		var msg QueueMessage
		if err := unmarshal(payload, &msg); err != nil {
			q.db.logger.Debug("ignoring undecodable queue payload", "error", err)
			return nil
		}
		if msg.HandlerID != want {
			return nil
		}
		return handler(ctx, &msg)
	})
}

func (q queueScope) undeliveredKey(id keys.Part) (keys.Part, []byte, error) {
	id, err := keys.Normalize(id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid id: %w", err)
	}
	key, err := keys.Encode(keys.UndeliveredKey(q.root, id))
	return id, key, err
}

func (q queueScope) findUndelivered(ctx context.Context, id keys.Part) (*UndeliveredMessage, error) {
	id, key, err := q.undeliveredKey(id)
	if err != nil {
		return nil, err
	}
	entry, err := q.db.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading undelivered message: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	msg := &UndeliveredMessage{ID: id, Versionstamp: entry.Versionstamp}
	if err := unmarshal(entry.Value, &msg.Message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal undelivered message: %w", err)
	}
	return msg, nil
}

func (q queueScope) deleteUndelivered(ctx context.Context, id keys.Part) error {
	_, key, err := q.undeliveredKey(id)
	if err != nil {
		return err
	}
	if err := q.db.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting undelivered message: %w", err)
	}
	return nil
}
