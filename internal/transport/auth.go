package transport

import "github.com/pyr33x/goqttd/internal/auth"

// AuthFuncFor adapts the sqlite-backed auth.Store to broker.AuthFunc. A nil
// store accepts every client, matching the teacher's default of auth being
// opt-in per deployment rather than mandatory.
func AuthFuncFor(store *auth.Store) func(username string, password []byte) bool {
	if store == nil {
		return func(string, []byte) bool { return true }
	}
	return store.Authenticated
}
