package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// ErrNotAuthorised is returned when a client's credentials don't
// grant it access; it becomes the reason string of the connect
// reject.
var ErrNotAuthorised = errors.New("not authorised")

// Type Password is the hashed join password in the server
// configuration.  It appears in the config file either as a bare
// string (implicitly "plain") or as an object naming the hashing
// scheme.
type Password struct {
	Type       string  `json:"type,omitempty"`
	Hash       string  `json:"hash,omitempty"`
	Key        *string `json:"key,omitempty"`
	Salt       string  `json:"salt,omitempty"`
	Iterations int     `json:"iterations,omitempty"`
}

// Key derivation is memory-hungry; bound the number of concurrent
// checks so a burst of handshakes cannot exhaust memory.
var checkSemaphore = make(chan struct{}, runtime.GOMAXPROCS(-1))

// Check verifies the offered password.  It returns nil on a match,
// ErrNotAuthorised on a mismatch, and some other error if the
// configured password is malformed.
func (p *Password) Check(offered string) error {
	if p.Key == nil {
		return errors.New("password has no key")
	}
	var ok bool
	var err error
	switch p.Type {
	case "plain":
		ok = p.checkPlain(offered)
	case "pbkdf2":
		ok, err = p.checkPBKDF2(offered)
	case "bcrypt":
		ok, err = p.checkBCrypt(offered)
	default:
		err = errors.New("unknown password type " + p.Type)
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorised
	}
	return nil
}

func (p *Password) checkPlain(offered string) bool {
	// compare digests, so the comparison is constant-time even
	// when the lengths differ
	a := sha256.Sum256([]byte(offered))
	b := sha256.Sum256([]byte(*p.Key))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (p *Password) checkPBKDF2(offered string) (bool, error) {
	key, err := hex.DecodeString(*p.Key)
	if err != nil {
		return false, err
	}
	salt, err := hex.DecodeString(p.Salt)
	if err != nil {
		return false, err
	}
	if p.Hash != "sha-256" {
		return false, errors.New("unknown hash type " + p.Hash)
	}
	checkSemaphore <- struct{}{}
	defer func() {
		<-checkSemaphore
	}()
	derived := pbkdf2.Key(
		[]byte(offered), salt, p.Iterations, len(key), sha256.New,
	)
	return subtle.ConstantTimeCompare(key, derived) == 1, nil
}

func (p *Password) checkBCrypt(offered string) (bool, error) {
	checkSemaphore <- struct{}{}
	defer func() {
		<-checkSemaphore
	}()
	err := bcrypt.CompareHashAndPassword(
		[]byte(*p.Key), []byte(offered),
	)
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

func (p *Password) UnmarshalJSON(buf []byte) error {
	var key string
	if err := json.Unmarshal(buf, &key); err == nil {
		*p = Password{
			Type: "plain",
			Key:  &key,
		}
		return nil
	}
	type raw Password
	var r raw
	err := json.Unmarshal(buf, &r)
	if err != nil {
		return err
	}
	*p = Password(r)
	return nil
}

func (p Password) MarshalJSON() ([]byte, error) {
	if p.Type == "plain" && p.Hash == "" && p.Salt == "" &&
		p.Iterations == 0 {
		return json.Marshal(p.Key)
	}
	type raw Password
	return json.Marshal(raw(p))
}
