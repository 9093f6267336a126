// Package flowid gives each session a short, loggable, globally unique
// reference: a random UUID rendered as a fixed-width base62 string.
package flowid

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var baseBigInt = big.NewInt(62)

// SessionID uniquely identifies one session for the lifetime of the
// process, independent of its flow key (which identifies the conversation,
// not a specific session instance across table restarts).
type SessionID uuid.UUID

// NewSessionID mints a fresh random session reference.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func (id SessionID) String() string {
	return fmt.Sprintf("ses_%s", encode(uuid.UUID(id)))
}

// ParseSessionID parses a string previously produced by String.
func ParseSessionID(s string) (SessionID, error) {
	rest := strings.TrimPrefix(s, "ses_")
	if rest == s {
		return SessionID{}, errors.Errorf("missing ses_ prefix in %q", s)
	}
	u, err := decode(rest)
	if err != nil {
		return SessionID{}, errors.Wrap(err, "decoding session id")
	}
	return SessionID(u), nil
}

func encode(u uuid.UUID) string {
	bs := [16]byte(u)
	n := new(big.Int).SetBytes(bs[:])

	out := make([]byte, 0, 22)
	zero := big.NewInt(0)
	for n.Cmp(zero) > 0 {
		r := new(big.Int)
		n.DivMod(n, baseBigInt, r)
		out = append([]byte{alphabet[r.Int64()]}, out...)
	}
	return fmt.Sprintf("%022s", string(out))
}

func decode(s string) (uuid.UUID, error) {
	n := new(big.Int)
	for _, c := range []byte(s) {
		i := strings.IndexByte(alphabet, c)
		if i < 0 {
			return uuid.Nil, errors.Errorf("unexpected character %c in base62 literal", c)
		}
		n.Mul(n, baseBigInt)
		n.Add(n, big.NewInt(int64(i)))
	}

	raw := n.Bytes()
	if len(raw) > 16 {
		return uuid.Nil, errors.Errorf("base62 literal decodes to more than 16 bytes")
	}
	if len(raw) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(raw):], raw)
		raw = padded
	}
	return uuid.FromBytes(raw)
}
