package soap

import (
	"bytes"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/juju/errors"
)

// Byte-level XML security screening, applied before any DOM work so a
// hostile payload never reaches the parser.

const maxElementDepth = 32

var (
	doctypeMarker = []byte("<!DOCTYPE")
	entityMarker  = []byte("<!ENTITY")
)

// ValidateXML rejects payloads using DOCTYPE or ENTITY declarations (XXE,
// billion-laughs) and payloads nested deeper than the element depth cap.
func ValidateXML(xml []byte) error {
	upper := bytes.ToUpper(xml)
	if bytes.Contains(upper, doctypeMarker) {
		return errors.NotValidf("DOCTYPE declaration")
	}
	if bytes.Contains(upper, entityMarker) {
		return errors.NotValidf("ENTITY declaration")
	}

	depth, maxDepth := 0, 0
	for i := 0; i < len(xml); i++ {
		if xml[i] != '<' || i+1 >= len(xml) {
			continue
		}
		switch xml[i+1] {
		case '/':
			depth--
		case '?', '!':
			// declarations and comments don't nest
		default:
			// self-closing tags are counted then closed by the scan below
			end := bytes.IndexByte(xml[i:], '>')
			if end < 0 {
				return errors.NotValidf("unterminated element")
			}
			if xml[i+end-1] != '/' {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		}
	}
	if maxDepth > maxElementDepth {
		return errors.NotValidf("element nesting depth %d exceeds %d", maxDepth, maxElementDepth)
	}
	return nil
}

// UsernameToken is the WS-Security credential block from a request header.
type UsernameToken struct {
	Username string
	Digest   string
	Nonce    string
	Created  string
}

// ParseUsernameToken extracts the WS-Security UsernameToken from the request
// envelope header, if present.
func (c *Context) ParseUsernameToken() (*UsernameToken, error) {
	if !c.request.Initialized {
		return nil, errors.NotValidf("parse before InitRequestParsing")
	}
	if _, err := c.ParseEnvelope(); err != nil {
		return nil, errors.Trace(err)
	}

	root := c.doc.Root()
	header := childByTag(root, "Header")
	if header == nil {
		return nil, errors.NotFoundf("SOAP Header")
	}
	security := findByTag(header, "Security")
	if security == nil {
		return nil, errors.NotFoundf("Security header")
	}
	token := findByTag(security, "UsernameToken")
	if token == nil {
		return nil, errors.NotFoundf("UsernameToken")
	}

	return &UsernameToken{
		Username: childText(token, "Username"),
		Digest:   childText(token, "Password"),
		Nonce:    childText(token, "Nonce"),
		Created:  childText(token, "Created"),
	}, nil
}

// freshnessWindow bounds how old a Created timestamp may be before the token
// is considered a replay.
const freshnessWindow = 5 * time.Minute

// Verify checks the password digest: Base64(SHA1(nonce + created + password))
// per the WS-Security UsernameToken profile, plus a freshness window on the
// Created timestamp.
func (t *UsernameToken) Verify(password string) error {
	nonce, err := base64.StdEncoding.DecodeString(t.Nonce)
	if err != nil {
		return errors.NotValidf("nonce encoding")
	}

	created, err := time.Parse("2006-01-02T15:04:05.000Z", t.Created)
	if err != nil {
		if created, err = time.Parse(time.RFC3339, t.Created); err != nil {
			return errors.NotValidf("created timestamp %q", t.Created)
		}
	}
	age := time.Since(created)
	if age > freshnessWindow || age < -freshnessWindow {
		return errors.NotValidf("stale security token")
	}

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(t.Created))
	h.Write([]byte(password))
	want := base64.StdEncoding.EncodeToString(h.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(want), []byte(t.Digest)) != 1 {
		return errors.Unauthorizedf("password digest mismatch")
	}
	return nil
}
