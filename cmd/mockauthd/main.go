// Command mockauthd is an in-memory stand-in for the news-integrity auth
// service, used to exercise the client end to end without the real backend.
// Fault-injection flags simulate the degraded conditions the client's retry
// and offline fallback paths exist for.
package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

type user struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Role           string `json:"role"`
	TrustScore     int    `json:"trust_score"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	LocationRegion string `json:"location_region,omitempty"`
	ProfileImage   string `json:"profile_image,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	LastLoginAt    string `json:"last_login_at,omitempty"`

	passwordHash string
}

type server struct {
	mu        sync.Mutex
	users     map[string]*user  // keyed by lowercased email
	refresh   map[string]string // refresh token -> user email
	key       []byte
	accessTTL time.Duration

	failRate int // percent of requests answered with 503
	latency  time.Duration
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	failRate := flag.Int("fail-rate", 0, "percent of requests answered with 503")
	latency := flag.Duration("latency", 0, "artificial delay per request")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token lifetime")
	flag.Parse()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("signing key: %v", err)
	}

	s := &server{
		users:     make(map[string]*user),
		refresh:   make(map[string]string),
		key:       key,
		accessTTL: *accessTTL,
		failRate:  *failRate,
		latency:   *latency,
	}

	r := mux.NewRouter()
	r.Use(s.faults)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.authed(s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", s.authed(s.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/auth/profile", s.authed(s.handleProfile)).Methods(http.MethodPut)
	r.HandleFunc("/auth/password", s.authed(s.handlePassword)).Methods(http.MethodPut)

	log.Printf("mockauthd listening on %s (fail-rate %d%%, latency %v)", *addr, *failRate, *latency)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// faults injects latency and random 503s before any handler runs.
func (s *server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		if s.failRate > 0 {
			n, err := rand.Int(rand.Reader, big.NewInt(100))
			if err == nil && int(n.Int64()) < s.failRate {
				detail(w, http.StatusServiceUnavailable, "injected failure")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) authed(next func(http.ResponseWriter, *http.Request, *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			detail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.key, nil
		})
		if err != nil {
			detail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		s.mu.Lock()
		u := s.users[claims.Subject]
		s.mu.Unlock()
		if u == nil {
			detail(w, http.StatusUnauthorized, "unknown account")
			return
		}
		next(w, r, u)
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		FirstName      string `json:"first_name"`
		LastName       string `json:"last_name"`
		Role           string `json:"role"`
		LocationRegion string `json:"location_region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || len(req.Password) < 6 {
		detail(w, http.StatusBadRequest, "email and a password of at least 6 characters are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		detail(w, http.StatusInternalServerError, "hashing failed")
		return
	}

	role := req.Role
	if role == "" {
		role = "user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	u := &user{
		ID:             uuid.New().String(),
		Email:          email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Role:           role,
		TrustScore:     50,
		LocationRegion: req.LocationRegion,
		CreatedAt:      now,
		LastLoginAt:    now,
		passwordHash:   string(hash),
	}

	s.mu.Lock()
	if _, exists := s.users[email]; exists {
		s.mu.Unlock()
		detail(w, http.StatusBadRequest, "email already registered")
		return
	}
	s.users[email] = u
	s.mu.Unlock()

	s.grant(w, u)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	s.mu.Lock()
	u := s.users[email]
	s.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(req.Password)) != nil {
		detail(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}

	s.mu.Lock()
	u.LastLoginAt = time.Now().UTC().Format(time.RFC3339)
	s.mu.Unlock()
	s.grant(w, u)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	email, ok := s.refresh[req.RefreshToken]
	if ok {
		delete(s.refresh, req.RefreshToken) // refresh tokens are single-use
	}
	u := s.users[email]
	s.mu.Unlock()

	if !ok || u == nil {
		detail(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.grant(w, u)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	for tok, email := range s.refresh {
		if email == u.Email {
			delete(s.refresh, tok)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMe(w http.ResponseWriter, _ *http.Request, u *user) {
	s.mu.Lock()
	out := *u
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": out})
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request, u *user) {
	var req struct {
		FirstName      *string `json:"first_name"`
		LastName       *string `json:"last_name"`
		LocationRegion *string `json:"location_region"`
		ProfileImage   *string `json:"profile_image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.LocationRegion != nil {
		u.LocationRegion = *req.LocationRegion
	}
	if req.ProfileImage != nil {
		u.ProfileImage = *req.ProfileImage
	}
	out := *u
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"user": out})
}

func (s *server) handlePassword(w http.ResponseWriter, r *http.Request, u *user) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 6 {
		detail(w, http.StatusBadRequest, "new password must be at least 6 characters")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(req.CurrentPassword)) != nil {
		detail(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		detail(w, http.StatusInternalServerError, "hashing failed")
		return
	}
	u.passwordHash = string(hash)
	w.WriteHeader(http.StatusNoContent)
}

// grant mints an access/refresh pair for u and writes the token response.
func (s *server) grant(w http.ResponseWriter, u *user) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   u.Email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		detail(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	refreshTok := uuid.New().String()
	s.mu.Lock()
	s.refresh[refreshTok] = u.Email
	out := *u
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refreshTok,
		"token_type":    "bearer",
		"user":          out,
	})
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Printf("encode response: %v", err)
	}
}
