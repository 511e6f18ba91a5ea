package auth

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt-core/pkg/er"
	h "github.com/pyr33x/goqtt-core/pkg/hash"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStore is an alias for New kept for callers that spell it this way.
func NewStore(db *sql.DB) *Store {
	return New(db)
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
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrInvalidPassword,
		}
	}

	return nil
}

// TopicAllowed reports whether username has the given access level on
// topic according to the user_acl table. A username with no rows in
// user_acl is given no ACL grants at all (fail-closed): the default
// authorizer treats an empty result as Defer, letting a later authorizer
// in the chain decide, rather than silently granting access.
func (s *Store) TopicAllowed(username, topic string, write bool) (bool, bool, error) {
	rows, err := s.db.Query(
		"SELECT access FROM user_acl WHERE username = ? AND topic = ?",
		username, topic,
	)
	if err != nil {
		return false, false, &er.Err{Context: "Auth", Message: err}
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var access string
		if err := rows.Scan(&access); err != nil {
			return false, false, &er.Err{Context: "Auth", Message: err}
		}
		switch access {
		case "readwrite":
			return true, true, nil
		case "write":
			if write {
				return true, true, nil
			}
		case "read":
			if !write {
				return true, true, nil
			}
		}
	}
	return false, found, rows.Err()
}
