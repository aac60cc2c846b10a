package relay

import (
	"crypto/rand"
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"

	"vox/protocol"
)

// subscriberQueue bounds each connection's broadcast queue. A subscriber
// that cannot keep up loses messages rather than stalling the publisher.
const subscriberQueue = 1000

// User is one control connection's server-side record. It is created on
// accept, named by the first valid login, and destroyed on disconnect.
type User struct {
	ID    uint64
	Token uint64

	// Addr is the control connection's remote address, used as the
	// broadcast exclusion key.
	Addr string

	// Mutable presence state; protected by the Room mutex.
	Name    string // empty until login
	InVoice bool
	Muted   bool

	sendCh chan []byte
}

// send enqueues pre-encoded bytes for this user's writer goroutine. It never
// blocks; on a full queue the message is dropped and counted against the
// subscriber.
func (u *User) send(data []byte) bool {
	select {
	case u.sendCh <- data:
		return true
	default:
		return false
	}
}

// SendQueue exposes the queue the connection's writer goroutine drains.
func (u *User) SendQueue() <-chan []byte {
	return u.sendCh
}

// Room owns the user table and control-plane fan-out. Identifiers increase
// monotonically and are never reused for the server's lifetime.
type Room struct {
	mu     sync.RWMutex
	users  map[uint64]*User
	tokens map[uint64]uint64 // voice token -> user id, for uniqueness

	nextID atomic.Uint64

	// Stats counters, reset on each Stats call.
	broadcasts atomic.Uint64
	lagDrops   atomic.Uint64
}

func NewRoom() *Room {
	return &Room{
		users:  make(map[uint64]*User),
		tokens: make(map[uint64]uint64),
	}
}

// AddUser installs a record for a new control connection and issues its
// voice token. The token is unique across live records.
func (r *Room) AddUser(addr string) *User {
	u := &User{
		ID:     r.nextID.Add(1),
		Addr:   addr,
		sendCh: make(chan []byte, subscriberQueue),
	}

	r.mu.Lock()
	for {
		u.Token = randomToken()
		if _, taken := r.tokens[u.Token]; !taken && u.Token != 0 {
			break
		}
	}
	r.tokens[u.Token] = u.ID
	r.users[u.ID] = u
	total := len(r.users)
	r.mu.Unlock()

	log.Printf("[room] connection %d from %s, total=%d", u.ID, addr, total)
	return u
}

// RemoveUser drops a record. Returns the removed user, or nil if unknown.
func (r *Room) RemoveUser(id uint64) *User {
	r.mu.Lock()
	u, ok := r.users[id]
	if ok {
		delete(r.users, id)
		delete(r.tokens, u.Token)
	}
	total := len(r.users)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	log.Printf("[room] user %d left, total=%d", id, total)
	return u
}

// SetName populates the record on login. Returns false when the user is
// gone.
func (r *Room) SetName(id uint64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.Name = name
	return true
}

// SetInVoice flips the in-voice flag; joining voice always resets muted.
func (r *Room) SetInVoice(id uint64, inVoice bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.InVoice = inVoice
	if inVoice {
		u.Muted = false
	}
	return true
}

// SetMuted updates the muted flag.
func (r *Room) SetMuted(id uint64, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.Muted = muted
	return true
}

// Get returns a snapshot of one user's presence state.
func (r *Room) Get(id uint64) (protocol.ParticipantInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return protocol.ParticipantInfo{}, false
	}
	return protocol.ParticipantInfo{UserID: u.ID, Username: u.Name, InVoice: u.InVoice, Muted: u.Muted}, true
}

// Participants returns a consistent snapshot of every logged-in user except
// excludeID (pass 0 to include everyone).
func (r *Room) Participants(excludeID uint64) []protocol.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ParticipantInfo, 0, len(r.users))
	for _, u := range r.users {
		if u.Name == "" || u.ID == excludeID {
			continue
		}
		out = append(out, protocol.ParticipantInfo{
			UserID:   u.ID,
			Username: u.Name,
			InVoice:  u.InVoice,
			Muted:    u.Muted,
		})
	}
	return out
}

// Count returns the number of live control connections.
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Broadcast encodes pkt once and enqueues it to every logged-in user except
// the one whose control address matches excludeAddr (empty excludes nobody).
// Subscriber lag is logged and the message dropped for that subscriber only.
func (r *Room) Broadcast(pkt protocol.Packet, excludeAddr string) {
	data := protocol.Encode(pkt)
	r.broadcasts.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Name == "" || (excludeAddr != "" && u.Addr == excludeAddr) {
			continue
		}
		if !u.send(data) {
			r.lagDrops.Add(1)
			log.Printf("[room] subscriber %d lagging, dropped %T", u.ID, pkt)
		}
	}
}

// Stats returns and resets the broadcast counters.
func (r *Room) Stats() (broadcasts, lagDrops uint64, users int) {
	return r.broadcasts.Swap(0), r.lagDrops.Swap(0), r.Count()
}

func randomToken() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable for token issuance.
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
