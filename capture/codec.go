package capture

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/indexsync/encoding"
)

// Record headers attached to every published event
const (
	HeaderContentType = "content-type"
	HeaderEventID     = "event-id"
)

// Codec converts events to and from record values
type Codec interface {
	Name() string
	ContentType() string
	Encode(event *MutationEvent) ([]byte, error)
	Decode(data []byte) (*MutationEvent, error)
}

// JSONCodec is the default wire format
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(event *MutationEvent) ([]byte, error) {
	return json.Marshal(event)
}

func (JSONCodec) Decode(data []byte) (*MutationEvent, error) {
	var event MutationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if err := event.validate(); err != nil {
		return nil, err
	}
	event.normalize()
	return &event, nil
}

// MsgpackCodec is the compact binary wire format
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return "msgpack" }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Encode(event *MutationEvent) ([]byte, error) {
	return encoding.Marshal(event)
}

func (MsgpackCodec) Decode(data []byte) (*MutationEvent, error) {
	var event MutationEvent
	if err := encoding.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if err := event.validate(); err != nil {
		return nil, err
	}
	event.normalize()
	return &event, nil
}

var codecs = []Codec{JSONCodec{}, MsgpackCodec{}}

// CodecFor returns the codec registered under name; empty selects JSON
func CodecFor(name string) (Codec, error) {
	if name == "" {
		return JSONCodec{}, nil
	}
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown event format: %s", name)
}

// CodecForContentType picks a codec from a record's content-type header,
// falling back when the header is missing or unknown
func CodecForContentType(contentType string, fallback Codec) Codec {
	for _, c := range codecs {
		if c.ContentType() == contentType {
			return c
		}
	}
	return fallback
}

func (e *MutationEvent) validate() error {
	if e.StoreName == "" || e.DocumentID == "" {
		return fmt.Errorf("event is missing store name or document id")
	}
	return nil
}
