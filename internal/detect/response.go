package detect

import (
	"encoding/json"
	"errors"
	"strings"
)

// ResponseKind tags the variant held by a Response.
type ResponseKind int

const (
	ResponseNone ResponseKind = iota
	ResponseLiteral
	ResponseList
	ResponseComputed
)

// Response is what gets typed when a pattern matches: a literal string,
// an ordered list of strings, or a producer evaluated once per returned match.
type Response struct {
	kind    ResponseKind
	literal string
	list    []string
	produce func() Response
}

// Literal returns a single-string response.
func Literal(s string) Response {
	return Response{kind: ResponseLiteral, literal: s}
}

// List returns a response typed entry by entry.
func List(items ...string) Response {
	return Response{kind: ResponseList, list: append([]string(nil), items...)}
}

// Computed returns a response produced lazily at match time.
func Computed(fn func() Response) Response {
	return Response{kind: ResponseComputed, produce: fn}
}

// Kind returns the variant tag.
func (r Response) Kind() ResponseKind {
	return r.kind
}

// IsZero reports whether the response is empty (no variant set).
func (r Response) IsZero() bool {
	return r.kind == ResponseNone
}

var errNestedComputed = errors.New("computed response produced another computed response")

// Resolve evaluates a Computed response. Literal and List responses are returned unchanged.
// A panic inside the producer propagates to the caller, which guards pattern evaluation.
func (r Response) Resolve() (Response, error) {
	if r.kind != ResponseComputed {
		return r, nil
	}
	if r.produce == nil {
		return Response{}, nil
	}
	out := r.produce()
	if out.kind == ResponseComputed {
		return Response{}, errNestedComputed
	}
	return out, nil
}

// Strings returns the response as the ordered list of strings to type.
// Computed responses must be resolved first and yield nil here.
func (r Response) Strings() []string {
	switch r.kind {
	case ResponseLiteral:
		return []string{r.literal}
	case ResponseList:
		return append([]string(nil), r.list...)
	default:
		return nil
	}
}

// String joins the response for display.
func (r Response) String() string {
	switch r.kind {
	case ResponseLiteral:
		return r.literal
	case ResponseList:
		return strings.Join(r.list, ", ")
	case ResponseComputed:
		return "<computed>"
	default:
		return ""
	}
}

// MarshalJSON encodes a literal as a string and a list as an array.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case ResponseLiteral:
		return json.Marshal(r.literal)
	case ResponseList:
		return json.Marshal(r.list)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (r *Response) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Response{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Literal(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("response must be a string or a list of strings")
	}
	*r = List(list...)
	return nil
}
