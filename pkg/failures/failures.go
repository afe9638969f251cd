// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures lets tests and operators inject faults into a running
// node over HTTP.
//
// Components register a handler under a key. The value of a key is opaque
// JSON that only its handler interprets; a nil value means "no failure".
// A GET on the failure service returns every key with its current value:
//
//	curl http://<host>:<status_port>/__failure__
//
// A POST replaces the whole configuration. Keys missing from the posted
// object are reset to nil, so posting "{}" clears every failure:
//
//	curl http://<host>:<status_port>/__failure__ -XPOST -d \
//		'{"mem_drop_prob": {"mem://b": 0.5}, "conductor_inbound": {"publish": 19}}'
//
// A PUT on <path>/<key> sets just that key and leaves the others alone, and
// a DELETE on <path>/<key> resets it.
//
// A handler that rejects its value fails the whole request. Handlers that
// already ran keep what they were given.
package failures

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	log "github.com/golang/glog"
)

// DefaultFailureServicePath is where Init mounts the default registry.
const DefaultFailureServicePath = "/__failure__"

// Handler is told about every change of the value of its key.
type Handler func(value json.RawMessage) error

// Registry holds the handlers and current values of a set of keys.
type Registry struct {
	lock     sync.Mutex
	handlers map[string]Handler
	values   map[string]json.RawMessage

	// path is what ServeHTTP strips to find a key. Set when mounted.
	path string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		values:   make(map[string]json.RawMessage),
		path:     DefaultFailureServicePath,
	}
}

// Default is the registry Register and Init use.
var Default = NewRegistry()

// Init mounts the default registry on the default path of the default mux.
func Init() {
	InitWithPathAndMux(http.DefaultServeMux, DefaultFailureServicePath)
}

// InitWithPathAndMux mounts the default registry on 'path' of 'mux'.
func InitWithPathAndMux(mux *http.ServeMux, path string) {
	Default.Mount(mux, path)
}

// Register adds 'key' to the default registry.
func Register(key string, handler Handler) error {
	return Default.Register(key, handler)
}

// Mount serves 'r' on 'path' and below it.
func (r *Registry) Mount(mux *http.ServeMux, path string) {
	path = strings.TrimSuffix(path, "/")
	r.lock.Lock()
	r.path = path
	r.lock.Unlock()
	mux.Handle(path, r)
	mux.Handle(path+"/", r)
}

// Register adds 'key' with a nil value. A key can be registered once.
func (r *Registry) Register(key string, handler Handler) error {
	if key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("bad failure key %q", key)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("failure key %q is already registered", key)
	}
	r.handlers[key] = handler
	r.values[key] = nil
	return nil
}

// Unregister drops 'key'. Its handler is not called.
func (r *Registry) Unregister(key string) {
	r.lock.Lock()
	delete(r.handlers, key)
	delete(r.values, key)
	r.lock.Unlock()
}

// Keys returns the registered keys in order.
func (r *Registry) Keys() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the current value of 'key'.
func (r *Registry) Get(key string) (json.RawMessage, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Set gives 'key' a new value. A nil value resets it.
func (r *Registry) Set(key string, value json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.setLocked(key, value)
}

func (r *Registry) setLocked(key string, value json.RawMessage) error {
	h, ok := r.handlers[key]
	if !ok {
		return fmt.Errorf("failure key %q is not registered", key)
	}
	if isNull(value) {
		value = nil
	}
	if value == nil && r.values[key] == nil {
		return nil
	}
	if err := h(value); err != nil {
		return fmt.Errorf("failure key %q: %s", key, err)
	}
	r.values[key] = value
	return nil
}

// Replace sets every key to its value in 'all', and resets keys 'all'
// leaves out. Unknown keys fail the call before any handler runs.
func (r *Registry) Replace(all map[string]json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for key := range all {
		if _, ok := r.handlers[key]; !ok {
			return fmt.Errorf("failure key %q is not registered", key)
		}
	}
	for key := range r.handlers {
		if err := r.setLocked(key, all[key]); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the current values, with null for reset keys.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make(map[string]*json.RawMessage, len(r.values))
	for k, v := range r.values {
		if v != nil {
			v := v
			out[k] = &v
		} else {
			out[k] = nil
		}
	}
	return json.Marshal(out)
}

// ServeHTTP implements http.Handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.lock.Lock()
	base := r.path
	r.lock.Unlock()
	key := strings.Trim(strings.TrimPrefix(req.URL.Path, base), "/")

	var err error
	switch {
	case req.Method == http.MethodGet && key == "":
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(r)
	case req.Method == http.MethodGet:
		v, ok := r.Get(key)
		if !ok {
			replyError(w, fmt.Sprintf("failure key %q is not registered", key), http.StatusNotFound)
			return
		}
		if v == nil {
			v = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(append(v, '\n'))
	case req.Method == http.MethodPost && key == "":
		var all map[string]json.RawMessage
		if err = decodeBody(req.Body, &all); err == nil {
			err = r.Replace(all)
		}
	case req.Method == http.MethodPut && key != "":
		var v json.RawMessage
		if err = decodeBody(req.Body, &v); err == nil {
			err = r.Set(key, v)
		}
	case req.Method == http.MethodDelete && key != "":
		err = r.Set(key, nil)
	default:
		replyError(w, fmt.Sprintf("unsupported %s on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		log.Errorf("failures: %s %s: %s", req.Method, req.URL.Path, err)
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Method != http.MethodGet {
		log.Infof("failures: %s %s applied", req.Method, req.URL.Path)
	}
}

func decodeBody(body io.Reader, v interface{}) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func isNull(v json.RawMessage) bool {
	return v == nil || strings.TrimSpace(string(v)) == "null"
}

func replyError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}
