// Package token implements the signed join tokens a collaboration
// server may require at connect time.  A token is a JWT whose
// audience names the server's group URL; the subject overrides the
// username the client offered.
package token

import (
	"errors"
)

type Token interface {
	Check(host, group string, username *string) (string, error)
}

func Parse(token string, keys []map[string]interface{}) (Token, error) {
	jwt, err := parseJWT(token, keys)
	if err != nil {
		// parses correctly but doesn't validate
		return nil, err
	}
	if jwt == nil {
		return nil, errors.New("not a valid token")
	}
	return jwt, nil
}
