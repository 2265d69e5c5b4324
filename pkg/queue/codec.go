package queue

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes events for transport.
type Codec interface {
	Encode(event *model.MemoryEvent) ([]byte, error)
	Decode(data []byte) (*model.MemoryEvent, error)
}

// MsgpackCodec encodes events with MessagePack.
type MsgpackCodec struct{}

// Encode implements Codec.
func (MsgpackCodec) Encode(event *model.MemoryEvent) ([]byte, error) {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, model.Permanent(err, "encode event", goerr.V("event_id", event.ID))
	}
	return data, nil
}

// Decode implements Codec.
func (MsgpackCodec) Decode(data []byte) (*model.MemoryEvent, error) {
	var event model.MemoryEvent
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return nil, model.Permanent(err, "decode event")
	}
	return &event, nil
}
