// Package localauth implements the local user store used for HTTP Basic and
// ticket logons that bypass Keycloak.
package localauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// ErrAuthentication is returned for unknown users, wrong passwords and
// invalid or expired tickets.
var ErrAuthentication = errors.New("authentication failed")

// ticketPrefix marks values issued by this service as tickets.
const ticketPrefix = "TICKET_"

// maxTickets bounds the number of live tickets.
const maxTickets = 100000

// User is one entry of the users file.
type User struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash
	Disabled     bool   `yaml:"disabled"`
}

// usersFile is the on-disk layout of the users file.
type usersFile struct {
	Users []User `yaml:"users"`
}

// Service authenticates users against bcrypt hashes and issues tickets.
// User names are matched case-insensitively.
type Service struct {
	users map[string]User // lower-cased name -> user

	mu          sync.Mutex
	tickets     *expirable.LRU[string, string] // ticket -> user name
	userTickets *expirable.LRU[string, string] // lower-cased user name -> ticket
}

// New creates a service for the given users. Tickets live for ticketTTL.
func New(users []User, ticketTTL time.Duration) (*Service, error) {
	s := &Service{
		users:       make(map[string]User, len(users)),
		tickets:     expirable.NewLRU[string, string](maxTickets, nil, ticketTTL),
		userTickets: expirable.NewLRU[string, string](maxTickets, nil, ticketTTL),
	}

	for _, u := range users {
		if u.Name == "" {
			return nil, fmt.Errorf("user without name")
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("user %q has no password_hash", u.Name)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q has an invalid password_hash: %w", u.Name, err)
		}
		key := strings.ToLower(u.Name)
		if _, dup := s.users[key]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Name)
		}
		s.users[key] = u
	}

	return s, nil
}

// Load reads a YAML users file.
func Load(path string, ticketTTL time.Duration) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	return New(f.Users, ticketTTL)
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks a user name and password. On success the returned
// principal carries the user's current ticket.
func (s *Service) Authenticate(_ context.Context, userName, password string) (session.Principal, error) {
	u, ok := s.users[strings.ToLower(userName)]
	if !ok || u.Disabled {
		return session.Principal{}, fmt.Errorf("user %q: %w", userName, ErrAuthentication)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return session.Principal{}, fmt.Errorf("user %q: %w", userName, ErrAuthentication)
	}

	ticket, err := s.currentTicket(u.Name)
	if err != nil {
		return session.Principal{}, err
	}

	return session.Principal{UserName: u.Name, Ticket: ticket}, nil
}

// Validate checks a ticket and returns the principal it belongs to.
func (s *Service) Validate(_ context.Context, ticket string) (session.Principal, error) {
	if !strings.HasPrefix(ticket, ticketPrefix) {
		return session.Principal{}, fmt.Errorf("malformed ticket: %w", ErrAuthentication)
	}

	s.mu.Lock()
	userName, ok := s.tickets.Get(ticket)
	s.mu.Unlock()
	if !ok {
		return session.Principal{}, fmt.Errorf("unknown or expired ticket: %w", ErrAuthentication)
	}

	if u, ok := s.users[strings.ToLower(userName)]; !ok || u.Disabled {
		return session.Principal{}, fmt.Errorf("user %q: %w", userName, ErrAuthentication)
	}

	return session.Principal{UserName: userName, Ticket: ticket}, nil
}

// Invalidate revokes a ticket. Every session running on it fails its next
// ticket check.
func (s *Service) Invalidate(_ context.Context, ticket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userName, ok := s.tickets.Peek(ticket); ok {
		s.userTickets.Remove(strings.ToLower(userName))
	}
	s.tickets.Remove(ticket)
}

// currentTicket reuses the user's live ticket or issues a new one.
func (s *Service) currentTicket(userName string) (string, error) {
	key := strings.ToLower(userName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket, ok := s.userTickets.Get(key); ok {
		if _, live := s.tickets.Get(ticket); live {
			return ticket, nil
		}
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate ticket: %w", err)
	}
	ticket := ticketPrefix + strings.ReplaceAll(id.String(), "-", "")

	s.tickets.Add(ticket, userName)
	s.userTickets.Add(key, ticket)
	return ticket, nil
}
