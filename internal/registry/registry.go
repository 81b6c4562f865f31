package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"wine-quiz-live/internal/domain"
)

// DefaultBuffer is the per-connection outbound queue length.
const DefaultBuffer = 256

// Client is one live connection. Events queued for it are drained by the
// transport; Done is closed when the registry drops the connection.
type Client struct {
	ID       string
	Identity domain.Identity

	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	// guarded by Registry.mu
	sessionID string
	teamID    string
}

// Outbound is the queue the transport writer drains.
func (c *Client) Outbound() <-chan domain.Event { return c.send }

// Done is closed once the client has been disconnected or evicted.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Membership is where a client currently sits.
type Membership struct {
	SessionID string
	TeamID    string
}

// Registry tracks live connections, their session membership and the
// administrator set. Sends never block: a client whose queue is full is evicted.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[string]map[string]*Client
	admins   map[string]*Client
	buffer   int
	log      *slog.Logger
}

func New(buffer int, log *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		clients:  make(map[string]*Client),
		sessions: make(map[string]map[string]*Client),
		admins:   make(map[string]*Client),
		buffer:   buffer,
		log:      log,
	}
}

// Connect registers a new connection for an authenticated identity.
func (r *Registry) Connect(id domain.Identity) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: id,
		send:     make(chan domain.Event, r.buffer),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	if id.IsAdmin {
		r.admins[c.ID] = c
	}
	r.mu.Unlock()
	return c
}

// Disconnect drops the client everywhere and reports the session it was in.
// It is safe to call more than once.
func (r *Registry) Disconnect(c *Client) (Membership, bool) {
	r.mu.Lock()
	m, ok := r.leaveLocked(c)
	delete(r.clients, c.ID)
	delete(r.admins, c.ID)
	r.mu.Unlock()
	c.close()
	return m, ok
}

// JoinSession moves the client into sessionID, leaving any previous session.
// The previous membership, if any, is returned.
func (r *Registry) JoinSession(c *Client, sessionID, teamID string) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.clients[c.ID]; !live {
		return Membership{}, false
	}
	prev, had := r.leaveLocked(c)
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[string]*Client)
		r.sessions[sessionID] = set
	}
	set[c.ID] = c
	c.sessionID = sessionID
	c.teamID = teamID
	if had && prev.SessionID == sessionID {
		return Membership{}, false
	}
	return prev, had
}

// LeaveSession removes the client from its session, if any.
func (r *Registry) LeaveSession(c *Client) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(c)
}

func (r *Registry) leaveLocked(c *Client) (Membership, bool) {
	if c.sessionID == "" {
		return Membership{}, false
	}
	m := Membership{SessionID: c.sessionID, TeamID: c.teamID}
	if set, ok := r.sessions[c.sessionID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.sessions, c.sessionID)
		}
	}
	c.sessionID = ""
	c.teamID = ""
	return m, true
}

// Participants lists the identities connected to a session, ordered by user ID.
func (r *Registry) Participants(sessionID string) []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[sessionID]
	seen := make(map[domain.Identity]struct{}, len(set))
	out := make([]domain.Identity, 0, len(set))
	for _, c := range set {
		if _, dup := seen[c.Identity]; dup {
			continue
		}
		seen[c.Identity] = struct{}{}
		out = append(out, c.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Send queues ev for a single client.
func (r *Registry) Send(c *Client, ev domain.Event) bool {
	if !offer(c, ev) {
		r.evict([]*Client{c})
		return false
	}
	return true
}

// BroadcastSession queues ev for every client in the session except one.
func (r *Registry) BroadcastSession(sessionID string, ev domain.Event, except *Client) {
	r.mu.RLock()
	var slow []*Client
	for _, c := range r.sessions[sessionID] {
		if c == except {
			continue
		}
		if !offer(c, ev) {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()
	r.evict(slow)
}

// BroadcastAdmins queues ev for every administrator connection.
func (r *Registry) BroadcastAdmins(ev domain.Event) {
	r.mu.RLock()
	var slow []*Client
	for _, c := range r.admins {
		if !offer(c, ev) {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()
	r.evict(slow)
}

// BroadcastLifecycle reaches the session's participants and every administrator,
// each connection exactly once.
func (r *Registry) BroadcastLifecycle(sessionID string, ev domain.Event) {
	r.mu.RLock()
	var slow []*Client
	for _, c := range r.sessions[sessionID] {
		if !offer(c, ev) {
			slow = append(slow, c)
		}
	}
	for id, c := range r.admins {
		if _, inSession := r.sessions[sessionID][id]; inSession {
			continue
		}
		if !offer(c, ev) {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()
	r.evict(slow)
}

// Close disconnects every client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.sessions = make(map[string]map[string]*Client)
	r.admins = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (r *Registry) evict(slow []*Client) {
	for _, c := range slow {
		m, _ := r.Disconnect(c)
		r.log.Warn("evicting slow client", "client_id", c.ID, "user_id", c.Identity.UserID, "session_id", m.SessionID)
	}
}

func offer(c *Client, ev domain.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}
