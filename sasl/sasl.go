// Package sasl implements the client side of the channel bootstrap's
// authentication step, per spec.md §5 "Channel bootstrap": mechanism
// negotiation followed by a SCRAM or PLAIN exchange.
package sasl

import (
	"github.com/cockroachdb/errors"
	"github.com/xdg-go/scram"
)

// Mechanism names as advertised by the server in its mechanism list.
const (
	MechanismScramSHA512 = "SCRAM-SHA-512"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA1   = "SCRAM-SHA-1"
	MechanismPlain       = "PLAIN"
)

// strengthOrder lists mechanisms from strongest to weakest; Negotiate
// picks the strongest one the server also offers, per spec.md §5's
// "client picks the strongest mutually supported mechanism".
var strengthOrder = []string{
	MechanismScramSHA512,
	MechanismScramSHA256,
	MechanismScramSHA1,
	MechanismPlain,
}

var ErrNoCommonMechanism = errors.New("sasl: no mutually supported mechanism")

// Negotiate picks the strongest mechanism present in both serverOffered
// (from the server's mechanism list) and the mechanisms this client
// supports.
func Negotiate(serverOffered []string) (string, error) {
	offered := make(map[string]bool, len(serverOffered))
	for _, m := range serverOffered {
		offered[m] = true
	}
	for _, m := range strengthOrder {
		if offered[m] {
			return m, nil
		}
	}
	return "", ErrNoCommonMechanism
}

// Exchange drives one SASL authentication conversation: AUTH with the
// first client message, then zero or more STEP round trips until the
// server reports success.
type Exchange interface {
	// Start returns the initial client-first message to send as the
	// payload of the AUTH command.
	Start() ([]byte, error)
	// Step consumes one server challenge and returns the next client
	// message, or done=true once the exchange completed successfully.
	Step(serverMsg []byte) (resp []byte, done bool, err error)
}

// NewExchange builds the appropriate Exchange for mechanism.
func NewExchange(mechanism, username, password string) (Exchange, error) {
	switch mechanism {
	case MechanismScramSHA512:
		return newScramExchange(scram.SHA512, username, password)
	case MechanismScramSHA256:
		return newScramExchange(scram.SHA256, username, password)
	case MechanismScramSHA1:
		return newScramExchange(scram.SHA1, username, password)
	case MechanismPlain:
		return newPlainExchange(username, password), nil
	default:
		return nil, errors.Newf("sasl: unsupported mechanism %q", mechanism)
	}
}
