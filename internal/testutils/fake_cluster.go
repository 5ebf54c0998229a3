package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// streamDelimiter separates documents on the streaming endpoint.
const streamDelimiter = "\n\n\n\n"

// FakeClusterManager serves the cluster manager endpoints the client uses:
// the streaming bucket config and the pools listing.
type FakeClusterManager struct {
	server *httptest.Server

	mu             sync.Mutex
	configs        map[string][]byte
	streams        map[*configStream]struct{}
	username       string
	password       string
	streamRequests int
}

type configStream struct {
	bucket string
	docs   chan []byte
	drop   chan struct{}
	gone   chan struct{}
}

func NewFakeClusterManager() *FakeClusterManager {
	m := &FakeClusterManager{
		configs: make(map[string][]byte),
		streams: make(map[*configStream]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/pools", m.handlePools).Methods(http.MethodGet)
	r.HandleFunc("/pools/default/bs/{bucket}", m.handleStream).Methods(http.MethodGet)
	m.server = httptest.NewServer(r)
	return m
}

// URL returns the base URL, http://host:port.
func (m *FakeClusterManager) URL() string {
	return m.server.URL
}

// Addr returns host:port.
func (m *FakeClusterManager) Addr() string {
	return strings.TrimPrefix(m.server.URL, "http://")
}

func (m *FakeClusterManager) Close() {
	m.DropStreams()
	m.server.CloseClientConnections()
	m.server.Close()
}

// SetCredentials requires basic auth on every endpoint.
func (m *FakeClusterManager) SetCredentials(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username, m.password = username, password
}

// StreamRequests returns how many stream requests were accepted.
func (m *FakeClusterManager) StreamRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamRequests
}

// ActiveStreams returns the number of open streams for bucket.
func (m *FakeClusterManager) ActiveStreams(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for st := range m.streams {
		if st.bucket == bucket {
			n++
		}
	}
	return n
}

// Push records doc as the latest config of bucket and sends it to every
// open stream of that bucket.
func (m *FakeClusterManager) Push(bucket string, doc []byte) {
	m.mu.Lock()
	m.configs[bucket] = append([]byte(nil), doc...)
	var targets []*configStream
	for st := range m.streams {
		if st.bucket == bucket {
			targets = append(targets, st)
		}
	}
	m.mu.Unlock()

	for _, st := range targets {
		select {
		case st.docs <- doc:
		case <-st.gone:
		}
	}
}

// DropStreams ends every open stream response.
func (m *FakeClusterManager) DropStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for st := range m.streams {
		close(st.drop)
		delete(m.streams, st)
	}
}

func (m *FakeClusterManager) authorized(r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == m.username && pass == m.password
}

func (m *FakeClusterManager) handlePools(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"isAdminCreds": true,
		"pools":        []map[string]string{{"name": "default", "uri": "/pools/default"}},
	})
}

func (m *FakeClusterManager) handleStream(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	bucket := mux.Vars(r)["bucket"]

	m.mu.Lock()
	current, ok := m.configs[bucket]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "Requested resource not found.", http.StatusNotFound)
		return
	}
	st := &configStream{
		bucket: bucket,
		docs:   make(chan []byte),
		drop:   make(chan struct{}),
		gone:   make(chan struct{}),
	}
	m.streams[st] = struct{}{}
	m.streamRequests++
	m.mu.Unlock()

	defer func() {
		close(st.gone)
		m.mu.Lock()
		if _, ok := m.streams[st]; ok {
			delete(m.streams, st)
		}
		m.mu.Unlock()
	}()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	write := func(doc []byte) bool {
		if _, err := fmt.Fprintf(w, "%s%s", doc, streamDelimiter); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !write(current) {
		return
	}
	for {
		select {
		case doc := <-st.docs:
			if !write(doc) {
				return
			}
		case <-st.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}
