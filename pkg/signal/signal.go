package signal

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

const (
	FieldOffers  = "offers"
	FieldAnswers = "answers"
)

// Document is the REST representation of a stored document. Only string and
// map values are modelled; the room document needs nothing else.
type Document struct {
	Name       string           `json:"name,omitempty"`
	Fields     map[string]Value `json:"fields,omitempty"`
	CreateTime string           `json:"createTime,omitempty"`
	UpdateTime string           `json:"updateTime,omitempty"`
}

type Value struct {
	StringValue *string   `json:"stringValue,omitempty"`
	MapValue    *MapValue `json:"mapValue,omitempty"`
}

type MapValue struct {
	Fields map[string]Value `json:"fields,omitempty"`
}

func StringValue(s string) Value {
	return Value{StringValue: &s}
}

func MapOf(entries map[string]string) Value {
	fields := make(map[string]Value, len(entries))
	for k, v := range entries {
		fields[k] = StringValue(v)
	}
	return Value{MapValue: &MapValue{Fields: fields}}
}

// APIError is the error body the document store answers with.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("document store: %d %s: %s", e.Code, e.Status, e.Message)
}

type ErrorBody struct {
	Error *APIError `json:"error"`
}

// Room is the signaling mailbox: SDP offers and answers keyed by client id.
type Room struct {
	Name    string
	Offers  map[string]string
	Answers map[string]string
}

func RoomFromDocument(d *Document) *Room {
	return &Room{
		Name:    d.Name,
		Offers:  stringsOf(d.Fields[FieldOffers]),
		Answers: stringsOf(d.Fields[FieldAnswers]),
	}
}

func stringsOf(v Value) map[string]string {
	out := make(map[string]string)
	if v.MapValue == nil {
		return out
	}
	for k, f := range v.MapValue.Fields {
		if f.StringValue != nil {
			out[k] = *f.StringValue
		}
	}
	return out
}

// EmptyRoom is the body written when a room is first created.
func EmptyRoom() *Document {
	return &Document{Fields: map[string]Value{
		FieldOffers:  {MapValue: &MapValue{}},
		FieldAnswers: {MapValue: &MapValue{}},
	}}
}
