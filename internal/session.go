package internal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLength bounds a display name, counted in characters after trimming.
const MaxNameLength = 20

// Session binds a live connection to a display name.
type Session struct {
	ConnID   string
	Name     string
	JoinedAt time.Time
}

// SessionRegistry maps connection ids to sessions. It is not safe for
// concurrent use; the Hub goroutine owns it.
type SessionRegistry struct {
	sessions map[string]Session
	order    []string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]Session)}
}

// ValidateName trims requested and checks its length.
func ValidateName(requested string) (string, error) {
	name := strings.TrimSpace(requested)
	if name == "" {
		return "", fmt.Errorf("%w: username is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: username must be at most %d characters", ErrValidation, MaxNameLength)
	}
	return name, nil
}

// Join registers connID under the validated name. A second join on the same
// connection replaces the earlier entry.
func (r *SessionRegistry) Join(connID, requested string) (Session, error) {
	name, err := ValidateName(requested)
	if err != nil {
		return Session{}, err
	}
	if _, exists := r.sessions[connID]; !exists {
		r.order = append(r.order, connID)
	}
	session := Session{ConnID: connID, Name: name, JoinedAt: time.Now().UTC()}
	r.sessions[connID] = session
	return session, nil
}

// Leave removes and returns the session for connID. Leaving twice is a no-op.
func (r *SessionRegistry) Leave(connID string) (Session, bool) {
	session, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return session, true
}

func (r *SessionRegistry) NameOf(connID string) (string, bool) {
	session, ok := r.sessions[connID]
	return session.Name, ok
}

// AllNames lists display names in join order.
func (r *SessionRegistry) AllNames() []string {
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, r.sessions[id].Name)
	}
	return names
}

// ConnIDs lists joined connection ids in join order.
func (r *SessionRegistry) ConnIDs() []string {
	return append([]string(nil), r.order...)
}

func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}
