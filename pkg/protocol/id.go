package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC request id: a number or a string. The zero value
// is the number 0. Clients assign ids; servers echo them back untouched.
type RequestID struct {
	str   string
	num   int64
	isStr bool
}

// NewID returns a numeric request id.
func NewID(n int64) RequestID {
	return RequestID{num: n}
}

// NewStringID returns a string request id.
func NewStringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// Key returns the form used to index the pending-request table. Numeric and
// string ids never collide in practice because this side only assigns
// numeric ids.
func (id RequestID) Key() string {
	if id.isStr {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

func (id RequestID) String() string {
	return id.Key()
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*id = RequestID{num: num}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = RequestID{str: str, isStr: true}
		return nil
	}
	return fmt.Errorf("request id must be a number or a string, got %s", data)
}
