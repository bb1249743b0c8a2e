package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

// MechanismXOAUTH2 is the only SASL mechanism accepted by AUTHENTICATE.
const MechanismXOAUTH2 = "XOAUTH2"

// ErrMalformedXOAUTH2 is returned when a decoded SASL response lacks the
// auth=Bearer field.
var ErrMalformedXOAUTH2 = errors.New("malformed XOAUTH2 response")

// EncodeXOAUTH2 builds the base64 SASL initial response for user and token.
func EncodeXOAUTH2(user, token string) string {
	raw := "user=" + user + "\x01auth=Bearer " + token + "\x01\x01"
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeXOAUTH2 parses a base64 XOAUTH2 initial response into the user and
// bearer token it carries.
func DecodeXOAUTH2(response string) (user, token string, err error) {
	data, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", "", err
	}

	for _, field := range strings.Split(string(data), "\x01") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "user":
			user = value
		case "auth":
			scheme, tok, found := strings.Cut(value, " ")
			if found && strings.EqualFold(scheme, "Bearer") {
				token = tok
			}
		}
	}

	if token == "" {
		return "", "", ErrMalformedXOAUTH2
	}
	return user, token, nil
}

// bearerToken extracts the JWT from a credential. A credential that already
// looks like a compact JWS is used as is; anything else must be an XOAUTH2
// initial response.
func bearerToken(credential string) (token, user string, err error) {
	if strings.Count(credential, ".") == 2 {
		return credential, "", nil
	}
	user, token, err = DecodeXOAUTH2(credential)
	if err != nil {
		return "", "", err
	}
	return token, user, nil
}
