// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package rpc implements the Silicon Heaven RPC message layer: a thin,
// Meta-tag-driven wrapper over value.Value that classifies every message as
// a Request, Response, or Signal and carries the routing metadata (path,
// method, caller-id stack, access grant, user id) the broker needs.
package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/shvgo/broker/chainpack"
	"github.com/shvgo/broker/cpon"
	"github.com/shvgo/broker/value"
)

// Meta tag numbers for RPC messages.
const (
	TagMetaTypeID  = 1  // always 1 for ChainPack RPC messages
	TagRequestID   = 8
	TagPath        = 9
	TagMethod      = 10
	TagSignal      = 11 // explicit signal name, default "chng"
	TagCallerIDs   = 14
	TagAccessLevel = 17
	TagUserID      = 18
	TagAccess      = 19 // legacy token form of the access level
)

// Top-level IMap keys carrying a message's payload.
const (
	KeyParam  = 1
	KeyResult = 2
	KeyError  = 3
	KeyDelay  = 4
	KeyAbort  = 5
)

// Type classifies a Message.
type Type int

const (
	TypeInvalid Type = iota
	TypeRequest
	TypeRequestAbort
	TypeResponse
	TypeResponseDelay
	TypeResponseError
	TypeSignal
)

// Message is a single Silicon Heaven RPC message: an IMap value carrying a
// Meta side-car of routing tags.
type Message struct {
	Value value.Value // Kind must be KindIMap
}

// New returns an empty Message ready to be populated. The Meta side-car is
// allocated eagerly and stamped with the ChainPack message-type tag, so the
// accessors below can mutate it in place.
func New() Message {
	v := value.NewIMap(nil)
	v.Meta = &value.Meta{IMap: map[int]value.Value{TagMetaTypeID: value.NewInt(1)}}
	return Message{Value: v}
}

// FromValue wraps an already-decoded value as a Message. v must be an IMap.
// A message without Meta (or with a nil payload map) gets both allocated, so
// the accessors can mutate it in place.
func FromValue(v value.Value) (Message, error) {
	if v.Kind != value.KindIMap {
		return Message{}, fmt.Errorf("rpc: message value must be IMap, got %v", v.Kind)
	}
	if v.Meta == nil {
		v.Meta = &value.Meta{}
	}
	if v.Meta.IMap == nil {
		v.Meta.IMap = map[int]value.Value{}
	}
	if v.IMap == nil {
		v.IMap = map[int]value.Value{}
	}
	return Message{Value: v}, nil
}

func (m Message) meta() *value.Meta {
	if m.Value.Meta == nil {
		// Zero Message; writes here do not persist. Real messages come from
		// New or FromValue, which allocate the Meta up front.
		return &value.Meta{IMap: map[int]value.Value{}}
	}
	return m.Value.Meta
}

func (m Message) imapGet(key int) (value.Value, bool) {
	v, ok := m.Value.IMap[key]
	return v, ok
}

func (m Message) imapSet(key int, v value.Value) {
	m.Value.IMap[key] = v
}

func (m Message) imapDelete(key int) {
	delete(m.Value.IMap, key)
}

// Type classifies m by the Meta-tag presence rules.
func (m Message) Type() Type {
	_, hasRequestID := m.meta().IMap[TagRequestID]
	_, hasMethod := m.meta().IMap[TagMethod]
	_, hasAbort := m.imapGet(KeyAbort)
	_, hasParam := m.imapGet(KeyParam)
	_, hasError := m.imapGet(KeyError)
	_, hasDelay := m.imapGet(KeyDelay)
	_, hasResult := m.imapGet(KeyResult)

	if hasRequestID {
		if hasMethod {
			if hasAbort {
				return TypeRequestAbort
			}
			if len(m.Value.IMap) == 0 || hasParam {
				return TypeRequest
			}
			return TypeInvalid
		}
		if hasError {
			return TypeResponseError
		}
		if hasDelay {
			return TypeResponseDelay
		}
		if len(m.Value.IMap) == 0 || hasResult {
			return TypeResponse
		}
		return TypeInvalid
	}
	if hasMethod && (len(m.Value.IMap) == 0 || hasParam) {
		return TypeSignal
	}
	return TypeInvalid
}

// RequestID returns the request-id tag, or (0, false) if absent.
func (m Message) RequestID() (int64, bool) { return m.meta().GetInt(TagRequestID) }

// SetRequestID sets the request-id tag.
func (m Message) SetRequestID(id int64) { m.meta().EnsureIMap()[TagRequestID] = value.NewInt(id) }

// Path returns the SHV path tag, defaulting to "".
func (m Message) Path() string {
	s, ok := m.meta().GetStringAt(TagPath)
	if !ok {
		return ""
	}
	return s
}

// SetPath sets the SHV path tag, clearing it when path is empty.
func (m Message) SetPath(path string) {
	if path == "" {
		delete(m.meta().IMap, TagPath)
		return
	}
	m.meta().EnsureIMap()[TagPath] = value.NewString(path)
}

// Method returns the method-name tag.
func (m Message) Method() string {
	s, ok := m.meta().GetStringAt(TagMethod)
	if !ok {
		return ""
	}
	return s
}

// SetMethod sets the method-name tag.
func (m Message) SetMethod(method string) {
	if method == "" {
		delete(m.meta().IMap, TagMethod)
		return
	}
	m.meta().EnsureIMap()[TagMethod] = value.NewString(method)
}

// SignalName returns the explicit signal-name tag, or "chng" if absent.
func (m Message) SignalName() string {
	if s, ok := m.meta().GetStringAt(TagSignal); ok {
		return s
	}
	return "chng"
}

// SetSignalName sets the signal-name tag, clearing it for the default
// "chng" to keep the common case off the wire.
func (m Message) SetSignalName(name string) {
	if name == "" || name == "chng" {
		delete(m.meta().IMap, TagSignal)
		return
	}
	m.meta().EnsureIMap()[TagSignal] = value.NewString(name)
}

// CallerIDs returns the caller-id stack, outermost caller last, matching
// the broker's push-on-request/pop-on-response convention.
func (m Message) CallerIDs() []int64 {
	mv, has := m.meta().IMap[TagCallerIDs]
	if !has {
		return nil
	}
	switch mv.Kind {
	case value.KindInt:
		return []int64{mv.Int}
	case value.KindUInt:
		return []int64{int64(mv.UInt)}
	case value.KindList:
		out := make([]int64, 0, len(mv.List))
		for _, e := range mv.List {
			if e.Kind != value.KindInt && e.Kind != value.KindUInt {
				return nil // malformed stack; callers drop the message
			}
			out = append(out, e.AsInt())
		}
		return out
	default:
		return nil
	}
}

// SetCallerIDs sets the caller-id stack, collapsing a single entry to a
// bare Int and clearing the tag entirely when empty.
func (m Message) SetCallerIDs(ids []int64) {
	switch len(ids) {
	case 0:
		delete(m.meta().IMap, TagCallerIDs)
	case 1:
		m.meta().EnsureIMap()[TagCallerIDs] = value.NewInt(ids[0])
	default:
		list := make([]value.Value, len(ids))
		for i, id := range ids {
			list[i] = value.NewInt(id)
		}
		m.meta().EnsureIMap()[TagCallerIDs] = value.NewList(list)
	}
}

// PushCallerID appends id to the front of the caller-id stack, as a broker
// does when forwarding a request through a chained peer.
func (m Message) PushCallerID(id int64) {
	m.SetCallerIDs(append([]int64{id}, m.CallerIDs()...))
}

// PopCallerID removes and returns the front of the caller-id stack.
func (m Message) PopCallerID() (int64, bool) {
	ids := m.CallerIDs()
	if len(ids) == 0 {
		return 0, false
	}
	m.SetCallerIDs(ids[1:])
	return ids[0], true
}

// Access returns the granted-access tag as a comma-split list of short
// tokens.
func (m Message) Access() []string {
	s, ok := m.meta().GetStringAt(TagAccess)
	if !ok || s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// SetAccess sets the granted-access tag from a list of short tokens.
func (m Message) SetAccess(access []string) {
	if len(access) == 0 {
		delete(m.meta().IMap, TagAccess)
		return
	}
	s := access[0]
	for _, a := range access[1:] {
		s += "," + a
	}
	m.meta().EnsureIMap()[TagAccess] = value.NewString(s)
}

// AccessLevel returns the numeric access-level tag, falling back to the
// first recognized token in Access, or (0, false) if neither is present.
func (m Message) AccessLevel() (Access, bool) {
	if n, ok := m.meta().GetInt(TagAccessLevel); ok {
		return Access(n), true
	}
	for _, a := range m.Access() {
		if lvl, ok := accessFromString[a]; ok {
			return lvl, true
		}
	}
	return 0, false
}

// SetAccessLevel sets both the access-level tag and the matching token in
// the access tag, matching RpcMessage.rpc_access's setter.
func (m Message) SetAccessLevel(a Access) {
	m.meta().EnsureIMap()[TagAccess] = value.NewString(a.String())
	m.meta().EnsureIMap()[TagAccessLevel] = value.NewInt(int64(a))
}

// UserID returns the user-id tag.
func (m Message) UserID() (string, bool) { return m.meta().GetStringAt(TagUserID) }

// SetUserID sets or clears the user-id tag.
func (m Message) SetUserID(id string) {
	if id == "" {
		delete(m.meta().IMap, TagUserID)
		return
	}
	m.meta().EnsureIMap()[TagUserID] = value.NewString(id)
}

// Param returns the method-call parameter (Key 1), or value.Null if absent.
func (m Message) Param() value.Value {
	v, ok := m.imapGet(KeyParam)
	if !ok {
		return value.Null
	}
	return v
}

// SetParam sets the method-call parameter.
func (m Message) SetParam(v value.Value) { m.imapSet(KeyParam, v) }

// Result returns the call result (Key 2), or value.Null if absent.
func (m Message) Result() value.Value {
	v, ok := m.imapGet(KeyResult)
	if !ok {
		return value.Null
	}
	return v
}

// SetResult sets the call result.
func (m Message) SetResult(v value.Value) { m.imapSet(KeyResult, v) }

// Keys inside the error IMap carried under KeyError.
const (
	KeyErrorCode    = 1
	KeyErrorMessage = 2
)

// Error returns the call error (Key 3), or nil if absent or malformed.
func (m Message) Error() *Error {
	v, ok := m.imapGet(KeyError)
	if !ok || v.Kind != value.KindIMap {
		return nil
	}
	code, ok := v.IMap[KeyErrorCode]
	if !ok || (code.Kind != value.KindInt && code.Kind != value.KindUInt) {
		return nil
	}
	e := &Error{Code: ErrorCode(code.AsInt())}
	if msg, ok := v.IMap[KeyErrorMessage]; ok && msg.Kind == value.KindString {
		e.Message = msg.Str
	}
	return e
}

// SetError sets the call error.
func (m Message) SetError(e *Error) {
	if e == nil || e.Code == ErrNone {
		m.imapDelete(KeyError)
		return
	}
	m.imapSet(KeyError, value.NewIMap(map[int]value.Value{
		KeyErrorCode:    value.NewInt(int64(e.Code)),
		KeyErrorMessage: value.NewString(e.Message),
	}))
}

// Delay returns the progress fraction (Key 4) on a TypeResponseDelay
// message.
func (m Message) Delay() float64 {
	v, ok := m.imapGet(KeyDelay)
	if !ok || v.Kind != value.KindDouble {
		return 0
	}
	return v.Double
}

// SetDelay sets the progress fraction for a response-delay message.
func (m Message) SetDelay(progress float64) { m.imapSet(KeyDelay, value.NewDouble(progress)) }

// Abort returns the abort flag (Key 5) on a TypeRequestAbort message.
func (m Message) Abort() bool {
	v, ok := m.imapGet(KeyAbort)
	return ok && v.Kind == value.KindBool && v.Bool
}

// SetAbort sets the abort flag.
func (m Message) SetAbort(abort bool) { m.imapSet(KeyAbort, value.NewBool(abort)) }

// NewRequest builds a Request message addressed to path.method.
func NewRequest(path, method string, param value.Value, rid int64, callerIDs []int64, userID string) Message {
	m := New()
	m.SetRequestID(rid)
	m.SetCallerIDs(callerIDs)
	m.SetPath(path)
	m.SetMethod(method)
	m.SetParam(param)
	if userID != "" {
		m.SetUserID(userID)
	}
	return m
}

// NewSignal builds a Signal message fired for path.method, carrying the
// signal name (default "chng") and payload v.
func NewSignal(path, method, signal string, v value.Value, access Access, userID string) Message {
	m := New()
	m.SetPath(path)
	m.SetMethod(method)
	m.SetSignalName(signal)
	m.SetParam(v)
	m.SetAccessLevel(access)
	if userID != "" {
		m.SetUserID(userID)
	}
	return m
}

// MakeResponse builds the Response counterpart to a Request or
// RequestAbort message m, carrying result (or an *Error).
func (m Message) MakeResponse(result value.Value, err *Error) (Message, error) {
	t := m.Type()
	if t != TypeRequest && t != TypeRequestAbort {
		return Message{}, fmt.Errorf("rpc: response can only be made from a request")
	}
	resp := New()
	rid, _ := m.RequestID()
	resp.SetRequestID(rid)
	resp.SetCallerIDs(m.CallerIDs())
	if err != nil {
		resp.SetError(err)
	} else {
		resp.SetResult(result)
	}
	return resp, nil
}

// MakeResponseDelay builds a progress-report response to a request message
// m, used while a long-running call is still executing.
func (m Message) MakeResponseDelay(progress float64) (Message, error) {
	t := m.Type()
	if t != TypeRequest && t != TypeRequestAbort {
		return Message{}, fmt.Errorf("rpc: response delay can only be made from a request")
	}
	resp := New()
	rid, _ := m.RequestID()
	resp.SetRequestID(rid)
	resp.SetCallerIDs(m.CallerIDs())
	resp.SetDelay(progress)
	return resp, nil
}

// MakeAbort builds an abort-request message for request m.
func (m Message) MakeAbort(abort bool) (Message, error) {
	if m.Type() != TypeRequest {
		return Message{}, fmt.Errorf("rpc: abort request can only be made from a request")
	}
	req := New()
	rid, _ := m.RequestID()
	req.SetRequestID(rid)
	req.SetCallerIDs(m.CallerIDs())
	req.SetMethod(m.Method())
	req.SetPath(m.Path())
	req.SetAbort(abort)
	return req, nil
}

// ToChainPack encodes m in ChainPack format.
func (m Message) ToChainPack() ([]byte, error) { return chainpack.Marshal(m.Value) }

// ToCpon encodes m in CPON format.
func (m Message) ToCpon() (string, error) { return cpon.Marshal(m.Value) }

// FromChainPack decodes a Message from ChainPack-encoded data.
func FromChainPack(data []byte) (Message, error) {
	v, err := chainpack.Unmarshal(data)
	if err != nil {
		return Message{}, err
	}
	return FromValue(v)
}

// FromCpon decodes a Message from CPON-encoded text.
func FromCpon(s string) (Message, error) {
	v, err := cpon.Unmarshal(s)
	if err != nil {
		return Message{}, err
	}
	return FromValue(v)
}

// Decode decodes a framed message payload, dispatching on its first byte:
// a ChainPack meta marker selects the binary codec, a CPON leading
// character ('<', '{', '[') the textual one, which peers may use for
// debugging.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("rpc: empty message")
	}
	switch data[0] {
	case '<', '{', '[':
		return FromCpon(string(data))
	}
	return FromChainPack(data)
}

// requestIDCounter generates request identifiers that rollover every 15
// minutes, matching RpcMessage.next_request_id: keeping the wire
// representation small is preferred over a monotonically growing 64-bit
// counter, since a request ID is expected to be consumed well within a
// rollover window. Identifiers strictly increase within one rollover
// period; at a rollover the sequence restarts at 1 without checking for
// identifiers from the previous period that are still outstanding.
type requestIDCounter struct {
	mu       sync.Mutex
	last     int64
	rollover time.Time
}

const requestIDRolloverPeriod = 15 * time.Minute

var globalRequestIDCounter = &requestIDCounter{rollover: time.Now()}

func (c *requestIDCounter) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.rollover) > requestIDRolloverPeriod {
		c.last = 0
		c.rollover = now
	}
	c.last++
	return c.last
}

// NextRequestID returns the next request identifier from the shared
// rolling counter; values repeat across rollover periods.
func NextRequestID() int64 { return globalRequestIDCounter.next() }
