// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shvgo/broker/value"
)

// RI is a Resource Identifier: a pattern matching an SHV path plus a method
// or signal name, used for subscriptions and access-control rules. The
// grammar is "PATH:METHOD:SIGNAL" where an omitted METHOD or SIGNAL defaults
// to "*"; in the three-part form an empty METHOD means "get" and an empty
// SIGNAL means "*".
type RI struct {
	Path   string
	Method string
	Signal string
}

// DefaultRI is the RI that matches everything.
var DefaultRI = RI{Path: "**", Method: "*", Signal: "*"}

// ParseRI parses the "PATH:METHOD:SIGNAL" string representation.
func ParseRI(s string) RI {
	path, rest, hasRest := strings.Cut(s, ":")
	if !hasRest {
		return RI{Path: path, Method: "*", Signal: "*"}
	}
	method, signal, hasSignal := strings.Cut(rest, ":")
	if !hasSignal {
		return RI{Path: path, Method: method, Signal: "*"}
	}
	if method == "" {
		method = "get"
	}
	if signal == "" {
		signal = "*"
	}
	return RI{Path: path, Method: method, Signal: signal}
}

func (r RI) String() string {
	if r.Signal == "*" {
		if r.Method == "*" {
			return r.Path
		}
		return r.Path + ":" + r.Method
	}
	method := r.Method
	if method == "get" {
		method = ""
	}
	return r.Path + ":" + method + ":" + r.Signal
}

// Match reports whether r matches the given call or signal: pass signal =
// "" to test a method call, or the signal name to test a fired signal.
func (r RI) Match(path, method, signal string) bool {
	if !pathMatch(path, r.Path) {
		return false
	}
	if ok, _ := filepath.Match(r.Method, method); !ok {
		return false
	}
	ok, _ := filepath.Match(r.Signal, signal)
	return ok
}

// pathMatch reports whether path matches the slash-separated glob pattern,
// where a "**" segment matches zero or more path segments, mirroring
// path_match/__match in the reference rpcri module.
func pathMatch(path, pattern string) bool {
	ptn := strings.Split(pattern, "/")
	n, ok := matchSegments(strings.Split(path, "/"), ptn)
	if !ok {
		return false
	}
	if n == len(ptn) {
		return true
	}
	// A trailing "**" also matches zero further segments, so a path that
	// consumed every pattern segment except a dangling "**" still matches.
	return n == len(ptn)-1 && ptn[len(ptn)-1] == "**"
}

// matchSegments walks path segments against the pattern, returning the
// number of pattern segments consumed.
func matchSegments(path, pattern []string) (int, bool) {
	i := 0
	for _, node := range path {
		if i >= len(pattern) {
			return 0, false
		}
		if pattern[i] == "**" {
			if len(pattern) == i+1 {
				return i + 1, true // matches everything remaining
			}
			if pattern[i+1] == "**" {
				i++
				continue
			}
			if ok, _ := filepath.Match(pattern[i+1], node); ok {
				i += 2
			}
			continue
		}
		if ok, _ := filepath.Match(pattern[i], node); !ok {
			return 0, false
		}
		i++
	}
	return i, true
}

// subscriptionRI builds the RI for a subscribe/unsubscribe parameter: either
// a "PATH:METHOD:SIGNAL" string, or a Map with "path"/"method"/"signal"
// fields where missing fields default to "*", except that a subscription
// naming both path and method but no signal means its default signal "chng".
func subscriptionRI(param value.Value) (RI, error) {
	switch param.Kind {
	case value.KindString:
		return ParseRI(param.Str), nil
	case value.KindMap:
		ri := RI{Path: "*", Method: "*", Signal: "*"}
		path, hasPath := param.Map["path"]
		if hasPath && path.Kind == value.KindString {
			ri.Path = path.Str
		}
		method, hasMethod := param.Map["method"]
		if hasMethod && method.Kind == value.KindString {
			ri.Method = method.Str
		}
		signal, hasSignal := param.Map["signal"]
		if hasSignal && signal.Kind == value.KindString {
			ri.Signal = signal.Str
		} else if hasPath && hasMethod {
			ri.Signal = "chng"
		}
		return ri, nil
	default:
		return RI{}, fmt.Errorf("broker: subscription parameter must be a string or map, got %v", param.Kind)
	}
}

// TailPattern removes the prefix of pattern that matches path, returning
// the remaining tail usable to match nodes below path, or ("", false) if
// pattern doesn't apply below path.
func TailPattern(path, pattern string) (string, bool) {
	ptn := strings.Split(pattern, "/")
	n, ok := matchSegments(strings.Split(strings.TrimSuffix(path, "/"), "/"), ptn)
	if !ok {
		return "", false
	}
	if n == len(ptn) && ptn[len(ptn)-1] == "**" {
		n--
	}
	if n == len(ptn) {
		return "", false
	}
	return strings.Join(ptn[n:], "/"), true
}

// RelativeTo deduces the RI applicable below path, or (RI{}, false) if this
// RI doesn't reach below path, mirroring RpcRI.relative_to.
func (r RI) RelativeTo(path string) (RI, bool) {
	if path == "" {
		return r, true
	}
	tail, ok := TailPattern(strings.TrimSuffix(path, "/"), r.Path)
	if !ok {
		return RI{}, false
	}
	out := r
	out.Path = tail
	return out, true
}
