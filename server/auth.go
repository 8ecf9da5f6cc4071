package server

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elgs/gostrgen"
	"github.com/juju/errors"
)

// nonceTTL is how long an issued digest nonce stays valid.
const nonceTTL = 5 * time.Minute

const nonceCharset = gostrgen.Lower | gostrgen.Digit

// authenticator implements HTTP Digest access authentication for the SOAP
// endpoints. Credentials come from the configuration store at check time so
// runtime credential changes take effect immediately.
type authenticator struct {
	realm string
	creds func() (user, pass string, enabled bool, err error)

	mu     sync.Mutex
	nonces map[string]time.Time
}

func newAuthenticator(realm string, creds func() (string, string, bool, error)) *authenticator {
	return &authenticator{
		realm:  realm,
		creds:  creds,
		nonces: make(map[string]time.Time),
	}
}

// challenge issues a fresh nonce and returns the WWW-Authenticate header.
func (a *authenticator) challenge() (string, error) {
	nonce, err := gostrgen.RandGen(32, nonceCharset, "", "")
	if err != nil {
		return "", errors.Annotate(err, "generating nonce")
	}

	a.mu.Lock()
	a.nonces[nonce] = time.Now().Add(nonceTTL)
	// Expired nonces pile up if clients never complete the handshake.
	now := time.Now()
	for n, exp := range a.nonces {
		if exp.Before(now) {
			delete(a.nonces, n)
		}
	}
	a.mu.Unlock()

	return fmt.Sprintf(`WWW-Authenticate: Digest realm="%s", nonce="%s", qop="auth"`, a.realm, nonce), nil
}

// consumeNonce checks that the nonce was issued here and is still fresh.
func (a *authenticator) consumeNonce(nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.nonces[nonce]
	if !ok || exp.Before(time.Now()) {
		delete(a.nonces, nonce)
		return false
	}
	return true
}

// verify validates an Authorization header for the given request method and
// URI. A nil return means the request is authenticated.
func (a *authenticator) verify(authorization, method, uri string) error {
	user, pass, enabled, err := a.creds()
	if err != nil {
		return errors.Trace(err)
	}
	if !enabled {
		return nil
	}

	if !strings.HasPrefix(authorization, "Digest ") {
		return errors.Unauthorizedf("missing digest credentials")
	}
	fields := parseDigestFields(authorization[len("Digest "):])

	nonce := fields["nonce"]
	if nonce == "" || !a.consumeNonce(nonce) {
		return errors.Unauthorizedf("stale or unknown nonce")
	}
	if fields["username"] != user {
		return errors.Unauthorizedf("unknown user")
	}
	if fields["uri"] != "" && fields["uri"] != uri {
		return errors.Unauthorizedf("digest uri mismatch")
	}

	ha1 := md5hex(user + ":" + a.realm + ":" + pass)
	ha2 := md5hex(method + ":" + uri)

	var expected string
	if qop := fields["qop"]; qop == "auth" {
		expected = md5hex(strings.Join([]string{
			ha1, nonce, fields["nc"], fields["cnonce"], qop, ha2,
		}, ":"))
	} else {
		expected = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(fields["response"])) != 1 {
		return errors.Unauthorizedf("digest mismatch")
	}
	return nil
}

// parseDigestFields splits `k1="v1", k2=v2` into a map, tolerating unquoted
// values for nc and qop.
func parseDigestFields(s string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		fields[key] = val
	}
	return fields
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
