package asynccmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Payload is a decoded status payload.
type Payload struct {
	// Body is the record body after any content decoding
	Body []byte
	// Value is the decoded representation of Body (a string, or a JSON value for JSON decoders)
	Value any
}

// Decoder turns a correlated record into a status payload.
type Decoder interface {
	Decode(rec Record) (Payload, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(rec Record) (Payload, error)

// Decode calls f(rec).
func (f DecoderFunc) Decode(rec Record) (Payload, error) {
	return f(rec)
}

// RawDecoder exposes the body as a string without interpreting it.
var RawDecoder Decoder = DecoderFunc(func(rec Record) (Payload, error) {
	return Payload{Body: rec.Body, Value: string(rec.Body)}, nil
})

// TerminalPredicate reports whether a payload signals that the command has finished.
type TerminalPredicate func(p Payload) bool

// CorrelatedUpdate is a record attributed to an outstanding request.
type CorrelatedUpdate struct {
	PartitionID string
	RequestID   string
	Record      Record
	Payload     Payload
	IsTerminal  bool
	// Err is a *DecodeError when the payload was malformed
	Err error
}

// Matcher decides whether a record belongs to an outstanding request.
type Matcher interface {
	Match(partitionID string, rec Record) (CorrelatedUpdate, bool)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(partitionID string, rec Record) (CorrelatedUpdate, bool)

// Match calls f(partitionID, rec).
func (f MatcherFunc) Match(partitionID string, rec Record) (CorrelatedUpdate, bool) {
	return f(partitionID, rec)
}

// Filter correlates records with request ids through a correlation attribute.
type Filter struct {
	// AttributeKey names the correlation attribute (DefaultCorrelationAttribute when empty)
	AttributeKey string
	// Decoder decodes matched bodies (RawDecoder when nil)
	Decoder Decoder
	// Terminal detects completion (ContainsText("100%") when nil)
	Terminal TerminalPredicate
}

func (f Filter) attributeKey() string {
	if f.AttributeKey == "" {
		return DefaultCorrelationAttribute
	}
	return f.AttributeKey
}

// Match returns the update for rec when its correlation attribute equals requestID.
// Match has no side effects; the same inputs always give the same result.
func (f Filter) Match(rec Record, requestID string) (CorrelatedUpdate, bool) {
	v, ok := rec.Attribute(f.attributeKey())
	if !ok || v != requestID {
		return CorrelatedUpdate{}, false
	}
	return f.decode(rec, v), true
}

func (f Filter) decode(rec Record, requestID string) CorrelatedUpdate {
	update := CorrelatedUpdate{RequestID: requestID, Record: rec}

	decoder := f.Decoder
	if decoder == nil {
		decoder = RawDecoder
	}
	payload, err := decoder.Decode(rec)
	if err != nil {
		update.Payload = Payload{Body: rec.Body}
		update.Err = &DecodeError{Offset: rec.Offset, Err: err}
		return update
	}
	update.Payload = payload

	terminal := f.Terminal
	if terminal == nil {
		terminal = ContainsText("100%")
	}
	update.IsTerminal = terminal(payload)
	return update
}

// ForRequest binds the filter to a single request id.
func (f Filter) ForRequest(requestID string) Matcher {
	return MatcherFunc(func(partitionID string, rec Record) (CorrelatedUpdate, bool) {
		update, ok := f.Match(rec, requestID)
		if ok {
			update.PartitionID = partitionID
			if de, isDecode := update.Err.(*DecodeError); isDecode {
				de.PartitionID = partitionID
			}
		}
		return update, ok
	})
}

// MatchAll returns a matcher accepting every record, decoded with decoder.
// It never reports a terminal update.
func MatchAll(decoder Decoder) Matcher {
	f := Filter{Decoder: decoder, Terminal: func(Payload) bool { return false }}
	return MatcherFunc(func(partitionID string, rec Record) (CorrelatedUpdate, bool) {
		requestID, _ := rec.Attribute(f.attributeKey())
		update := f.decode(rec, requestID)
		update.PartitionID = partitionID
		if de, isDecode := update.Err.(*DecodeError); isDecode {
			de.PartitionID = partitionID
		}
		return update, true
	})
}

// OutstandingRequest is a command awaiting its terminal update.
type OutstandingRequest struct {
	RequestID string
	CreatedAt time.Time
}

// RequestSet tracks several outstanding requests and which of them are still waiting
// for a terminal update. It is safe for concurrent use.
type RequestSet struct {
	filter  Filter
	mu      sync.Mutex
	pending map[string]OutstandingRequest
	done    map[string]bool
}

// NewRequestSet creates an empty request set using filter for correlation.
func NewRequestSet(filter Filter) *RequestSet {
	return &RequestSet{
		filter:  filter,
		pending: make(map[string]OutstandingRequest),
		done:    make(map[string]bool),
	}
}

// Add registers a request.
func (s *RequestSet) Add(req OutstandingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.RequestID] = req
	delete(s.done, req.RequestID)
}

// Pending returns the requests that have not yet seen a terminal update.
func (s *RequestSet) Pending() []OutstandingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutstandingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	return out
}

// Match attributes rec to any registered request, marking the request done on a terminal update.
// Updates for requests that already completed are still returned.
func (s *RequestSet) Match(partitionID string, rec Record) (CorrelatedUpdate, bool) {
	requestID, ok := rec.Attribute(s.filter.attributeKey())
	if !ok {
		return CorrelatedUpdate{}, false
	}

	s.mu.Lock()
	_, pending := s.pending[requestID]
	known := pending || s.done[requestID]
	s.mu.Unlock()
	if !known {
		return CorrelatedUpdate{}, false
	}

	update, ok := s.filter.ForRequest(requestID).Match(partitionID, rec)
	if ok && update.IsTerminal {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.done[requestID] = true
		s.mu.Unlock()
	}
	return update, ok
}

// ContainsText reports payloads whose body contains text.
func ContainsText(text string) TerminalPredicate {
	return func(p Payload) bool {
		return strings.Contains(string(p.Body), text)
	}
}

// PercentComplete reports JSON payloads whose field is a number of at least 100,
// or a string such as "100%". Non-object payloads fall back to a "100%" text match.
func PercentComplete(field string) TerminalPredicate {
	return func(p Payload) bool {
		obj, ok := p.Value.(map[string]any)
		if !ok {
			return ContainsText("100%")(p)
		}
		switch v := obj[field].(type) {
		case float64:
			return v >= 100
		case json.Number:
			f, err := v.Float64()
			return err == nil && f >= 100
		case string:
			f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
			return err == nil && f >= 100
		}
		return false
	}
}

// StatusIn reports JSON object payloads whose field equals one of values.
func StatusIn(field string, values ...string) TerminalPredicate {
	return func(p Payload) bool {
		obj, ok := p.Value.(map[string]any)
		if !ok {
			return false
		}
		v, ok := obj[field]
		if !ok {
			return false
		}
		s := fmt.Sprint(v)
		for _, want := range values {
			if s == want {
				return true
			}
		}
		return false
	}
}

// AnyOf reports payloads matched by at least one of the predicates.
func AnyOf(preds ...TerminalPredicate) TerminalPredicate {
	return func(p Payload) bool {
		for _, pred := range preds {
			if pred(p) {
				return true
			}
		}
		return false
	}
}
