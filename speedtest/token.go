package speedtest

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const tokenLength = 32

// Token is the opaque handle a client presents on every request of a run.
type Token string

func newToken() Token {
	return Token(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// ParseToken accepts exactly what newToken produces. Anything else cannot
// name a run, so it is reported as ErrNotFound.
func ParseToken(raw string) (Token, error) {
	if len(raw) != tokenLength {
		return "", errors.Wrapf(ErrNotFound, "malformed token %q", raw)
	}
	for _, c := range raw {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", errors.Wrapf(ErrNotFound, "malformed token %q", raw)
		}
	}
	return Token(raw), nil
}

func (t Token) String() string {
	return string(t)
}
