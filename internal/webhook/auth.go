package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// Authenticate checks the request's basic-auth credentials against the
// configured pair in constant time.
func Authenticate(r *http.Request, user, password string) bool {
	if user == "" || password == "" {
		return false
	}

	gotUser, gotPass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	// Hash before comparing so the comparison length never depends on
	// the secret.
	wantUser := sha256.Sum256([]byte(user))
	wantPass := sha256.Sum256([]byte(password))
	haveUser := sha256.Sum256([]byte(gotUser))
	havePass := sha256.Sum256([]byte(gotPass))

	userOK := subtle.ConstantTimeCompare(wantUser[:], haveUser[:]) == 1
	passOK := subtle.ConstantTimeCompare(wantPass[:], havePass[:]) == 1
	return userOK && passOK
}
