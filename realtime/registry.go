package realtime

import (
	"errors"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/metrics"
)

// Authenticator resolves an Authorization header to a user id.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Identity is a verified user. It can only be obtained from Authenticate,
// so holding one proves the credential check happened.
type Identity struct {
	userID string
}

func (i Identity) UserID() string { return i.userID }

// Authenticate verifies a bearer credential. A bare token is accepted in
// place of a full header.
func Authenticate(auth Authenticator, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, &domain.AuthError{Reason: "missing credential"}
	}
	if !strings.HasPrefix(credential, "Bearer ") {
		credential = "Bearer " + credential
	}
	userID, err := auth.UserIDFromAuthHeader(credential)
	if err != nil {
		return Identity{}, &domain.AuthError{Reason: "invalid credential", Err: err}
	}
	if userID == "" {
		return Identity{}, &domain.AuthError{Reason: "credential has no subject"}
	}
	return Identity{userID: userID}, nil
}

var errAlreadyRegistered = errors.New("connection already registered")

// Registry tracks live connections by user. It never touches board state.
type Registry struct {
	logger *log.Logger

	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger: logger,
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// Register binds c to the verified identity.
func (r *Registry) Register(c *Conn, id Identity) error {
	if id.userID == "" {
		return &domain.AuthError{Reason: "connection not verified"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.id]; exists {
		return errAlreadyRegistered
	}
	c.userID = id.userID
	r.byID[c.id] = c
	set, ok := r.byUser[id.userID]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[id.userID] = set
	}
	set[c.id] = c
	r.updateGauges()
	r.logger.WithFields(log.Fields{"connection_id": c.id, "user_id": id.userID}).Debug("connection registered")
	return nil
}

// Unregister removes c and closes it. It reports whether c was registered.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	_, ok := r.byID[c.id]
	if ok {
		delete(r.byID, c.id)
		if set := r.byUser[c.userID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(r.byUser, c.userID)
			}
		}
		r.updateGauges()
	}
	r.mu.Unlock()
	c.close()
	if ok {
		r.logger.WithFields(log.Fields{"connection_id": c.id, "user_id": c.userID}).Debug("connection unregistered")
	}
	return ok
}

func (r *Registry) updateGauges() {
	metrics.ConnectionsActive.Set(float64(len(r.byID)))
	metrics.UsersOnline.Set(float64(len(r.byUser)))
}

// ConnectionsFor returns the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineUserIDs returns the users holding at least one connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Close unregisters every connection.
func (r *Registry) Close() {
	for _, c := range r.all() {
		r.Unregister(c)
	}
}
