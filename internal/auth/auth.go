package auth

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqttd/pkg/er"
	h "github.com/pyr33x/goqttd/pkg/hash"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{
				Context: "Auth",
				Message: er.ErrUserNotFound,
			}
		}
		return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrInvalidPassword,
		}
	}

	return nil
}

// Authenticated reports whether username/password match a stored user,
// for callers (the transport's CONNECT handling) that want a bool rather
// than an error to pass to broker.AuthFunc.
func (s *Store) Authenticated(username string, password []byte) bool {
	return s.Authenticate(username, string(password)) == nil
}
