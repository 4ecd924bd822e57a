// Package registry implements the session registry (§4.4): the
// process-wide index of TCP connection <-> authenticated username <->
// UDP endpoints, plus per-user active-media state. It generalizes the
// teacher's Room type from an integer-ID voice room to the username-keyed
// index this protocol requires, with the same "one mutex, no map access
// outside accessor methods" discipline.
package registry

import (
	"net"
	"sync"
)

// Conn is the minimal handle the registry needs for a TCP connection. The
// dispatcher's connection type satisfies this; tests can use any
// comparable value.
type Conn any

// Endpoints is a user's most recently announced UDP endpoints (§3).
type Endpoints struct {
	Addr      string // IP only, learned from the TCP peer address
	VoicePort int
	VideoPort int
}

type endpointKey struct {
	addr string
	port int
}

// Registry is the single authority the dispatcher consults for connection,
// user, and endpoint state (§4.4, §9). The zero value is not usable; use
// New.
type Registry struct {
	mu sync.RWMutex

	connToUser map[Conn]string
	userToConn map[string]Conn

	userEndpoints map[string]Endpoints
	voiceByAddr   map[endpointKey]string
	videoByAddr   map[endpointKey]string

	activeMedia map[string]map[string]bool // kind -> set of usernames
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		connToUser:    map[Conn]string{},
		userToConn:    map[string]Conn{},
		userEndpoints: map[string]Endpoints{},
		voiceByAddr:   map[endpointKey]string{},
		videoByAddr:   map[endpointKey]string{},
		activeMedia:   map[string]map[string]bool{},
	}
}

// Bind associates conn with username. If username was already bound to a
// different connection, that prior connection's binding (and any UDP
// endpoints it owned) is retracted and returned as displaced so the
// caller can close it after flushing its send queue (§4.4 invariant 2).
func (r *Registry) Bind(conn Conn, username string) (displaced Conn, hadDisplaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.userToConn[username]; ok && prior != conn {
		r.unbindLocked(prior)
		displaced, hadDisplaced = prior, true
	}

	r.connToUser[conn] = username
	r.userToConn[username] = conn
	return displaced, hadDisplaced
}

// Unbind clears conn's user binding and any UDP endpoints/active-media
// entries it owned. Returns the username that was bound, or "" if conn
// was not authenticated.
func (r *Registry) Unbind(conn Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(conn)
}

// unbindLocked requires mu held for writing.
func (r *Registry) unbindLocked(conn Conn) string {
	username, ok := r.connToUser[conn]
	if !ok {
		return ""
	}
	delete(r.connToUser, conn)
	// Only clear the reverse map if it still points at this connection —
	// a displacement may already have rebound it to a newer connection.
	if r.userToConn[username] == conn {
		delete(r.userToConn, username)
	}
	r.retractEndpointsLocked(username)
	return username
}

// retractEndpointsLocked removes username's forward and reverse endpoint
// entries. Requires mu held for writing.
func (r *Registry) retractEndpointsLocked(username string) {
	ep, ok := r.userEndpoints[username]
	if !ok {
		return
	}
	delete(r.userEndpoints, username)
	if ep.VoicePort != 0 {
		k := endpointKey{ep.Addr, ep.VoicePort}
		if r.voiceByAddr[k] == username {
			delete(r.voiceByAddr, k)
		}
	}
	if ep.VideoPort != 0 {
		k := endpointKey{ep.Addr, ep.VideoPort}
		if r.videoByAddr[k] == username {
			delete(r.videoByAddr, k)
		}
	}
}

// UserOf returns the username bound to conn, or ("", false) if none.
func (r *Registry) UserOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.connToUser[conn]
	return u, ok
}

// ConnOf returns the connection bound to username, or (nil, false) if none.
func (r *Registry) ConnOf(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.userToConn[username]
	return c, ok
}

// AllAuthenticated returns a snapshot of every currently authenticated
// connection. Safe to range over after the registry's lock is released.
func (r *Registry) AllAuthenticated() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.connToUser))
	for c := range r.connToUser {
		out = append(out, c)
	}
	return out
}

// Usernames returns the deduplicated set of currently authenticated
// usernames, the payload UsersListResponse sends on the wire (§4.5).
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.userToConn))
	for u := range r.userToConn {
		out = append(out, u)
	}
	return out
}

// AnnounceUDP atomically replaces username's UDP endpoints (§4.4,
// invariant 4, and the endpoint-displacement note in §9: the old reverse
// index entries are removed before the new ones are installed so a stray
// datagram can never be misattributed to a superseded endpoint).
// AnnounceUDP is a no-op if username is not currently authenticated
// (invariant 3).
func (r *Registry) AnnounceUDP(username, addr string, voicePort, videoPort int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.userToConn[username]; !ok {
		return
	}

	r.retractEndpointsLocked(username)

	ep := Endpoints{Addr: addr, VoicePort: voicePort, VideoPort: videoPort}
	r.userEndpoints[username] = ep
	if voicePort != 0 {
		r.voiceByAddr[endpointKey{addr, voicePort}] = username
	}
	if videoPort != 0 {
		r.videoByAddr[endpointKey{addr, videoPort}] = username
	}
}

// EndpointsOf returns username's most recently announced endpoints.
func (r *Registry) EndpointsOf(username string) (Endpoints, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.userEndpoints[username]
	return ep, ok
}

// AllEndpoints returns a snapshot of every authenticated user's known
// endpoints, for the SFU's fan-out loop (§4.6).
func (r *Registry) AllEndpoints() map[string]Endpoints {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Endpoints, len(r.userEndpoints))
	for u, ep := range r.userEndpoints {
		out[u] = ep
	}
	return out
}

// UserByVoiceEndpoint resolves a UDP source address to the username that
// announced it on the voice port, or ("", false) if unknown.
func (r *Registry) UserByVoiceEndpoint(addr *net.UDPAddr) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.voiceByAddr[endpointKey{addr.IP.String(), addr.Port}]
	return u, ok
}

// UserByVideoEndpoint resolves a UDP source address to the username that
// announced it on the video port, or ("", false) if unknown.
func (r *Registry) UserByVideoEndpoint(addr *net.UDPAddr) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.videoByAddr[endpointKey{addr.IP.String(), addr.Port}]
	return u, ok
}

// SetMedia records that username started or stopped producing media of
// the given kind (§3 ActiveMediaSet). state is either "start" or "stop";
// any other value is ignored.
func (r *Registry) SetMedia(kind, username, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch state {
	case "start":
		set, ok := r.activeMedia[kind]
		if !ok {
			set = map[string]bool{}
			r.activeMedia[kind] = set
		}
		set[username] = true
	case "stop":
		if set, ok := r.activeMedia[kind]; ok {
			delete(set, username)
		}
	}
}

// ActiveKindsFor returns every media kind in which username is currently
// marked active, used to retract state on disconnect (§4.5).
func (r *Registry) ActiveKindsFor(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []string
	for kind, set := range r.activeMedia {
		if set[username] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// MediaSnapshot returns every (kind, username) pair currently marked
// active, the payload a newly authenticated connection receives so it can
// render existing "LIVE" tags (§4.5).
func (r *Registry) MediaSnapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.activeMedia))
	for kind, set := range r.activeMedia {
		for u := range set {
			out[kind] = append(out[kind], u)
		}
	}
	return out
}
