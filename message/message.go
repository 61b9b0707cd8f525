// Package message defines the values exchanged with the daemon.
//
// A Request is the "envelope" for every call. It gets serialized by the codec
// layer and wrapped in a protocol frame. Incoming frames decode to a sequence
// of Packets: responses, errors, or server-pushed events.
package message

import (
	"fmt"
)

// PacketType is the first element of every incoming packet.
type PacketType int64

const (
	PacketResponse PacketType = 1 // [1, requestID, value]
	PacketError    PacketType = 2 // [2, requestID, error]
	PacketEvent    PacketType = 3 // [3, eventName, args]
)

func (t PacketType) String() string {
	switch t {
	case PacketResponse:
		return "response"
	case PacketError:
		return "error"
	case PacketEvent:
		return "event"
	}
	return fmt.Sprintf("PacketType(%d)", int64(t))
}

// Request carries one outgoing call.
type Request struct {
	ID     int64
	Method string         // dotted name, e.g. "core.get_torrents_status"
	Args   []any          // positional arguments
	Kwargs map[string]any // keyword arguments
}

// Value returns the request in wire shape: a one-element list holding the
// tuple [id, method, args, kwargs]. Nil args and kwargs are sent as empty
// containers, never as null.
func (r *Request) Value() []any {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return []any{[]any{r.ID, r.Method, args, kwargs}}
}

// ParseRequests is the inverse of Request.Value, used by the fake daemon.
func ParseRequests(v any) ([]*Request, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("message: request batch must be a list, got %T", v)
	}
	reqs := make([]*Request, 0, len(list))
	for _, item := range list {
		tuple, ok := item.([]any)
		if !ok || len(tuple) != 4 {
			return nil, fmt.Errorf("message: malformed request %v", item)
		}
		id, ok := tuple[0].(int64)
		if !ok {
			return nil, fmt.Errorf("message: request id must be an integer, got %T", tuple[0])
		}
		method, ok := tuple[1].(string)
		if !ok {
			return nil, fmt.Errorf("message: method must be a string, got %T", tuple[1])
		}
		args, _ := tuple[2].([]any)
		kwargs, _ := tuple[3].(map[string]any)
		reqs = append(reqs, &Request{ID: id, Method: method, Args: args, Kwargs: kwargs})
	}
	return reqs, nil
}

// Packet is a decoded incoming message. Which fields are set depends on Type:
//
//   - PacketResponse: ID, Value
//   - PacketError:    ID, Value (the daemon's error description)
//   - PacketEvent:    Name, Args
type Packet struct {
	Type  PacketType
	ID    int64
	Value any
	Name  string
	Args  []any
}

func Response(id int64, value any) []any { return []any{int64(PacketResponse), id, value} }

func Error(id int64, value any) []any { return []any{int64(PacketError), id, value} }

func Event(name string, args []any) []any {
	if args == nil {
		args = []any{}
	}
	return []any{int64(PacketEvent), name, args}
}

// ParsePacket validates one decoded value as a packet.
func ParsePacket(v any) (*Packet, error) {
	tuple, ok := v.([]any)
	if !ok || len(tuple) != 3 {
		return nil, fmt.Errorf("message: malformed packet %v", v)
	}
	typ, ok := tuple[0].(int64)
	if !ok {
		return nil, fmt.Errorf("message: packet type must be an integer, got %T", tuple[0])
	}

	switch PacketType(typ) {
	case PacketResponse, PacketError:
		id, ok := tuple[1].(int64)
		if !ok {
			return nil, fmt.Errorf("message: %s id must be an integer, got %T", PacketType(typ), tuple[1])
		}
		return &Packet{Type: PacketType(typ), ID: id, Value: tuple[2]}, nil
	case PacketEvent:
		name, ok := tuple[1].(string)
		if !ok {
			return nil, fmt.Errorf("message: event name must be a string, got %T", tuple[1])
		}
		var args []any
		switch a := tuple[2].(type) {
		case []any:
			args = a
		case nil:
		default:
			args = []any{a}
		}
		return &Packet{Type: PacketEvent, Name: name, Args: args}, nil
	}
	return nil, fmt.Errorf("message: unknown packet type %d", typ)
}
