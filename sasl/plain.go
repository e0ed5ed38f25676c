package sasl

// plainExchange implements SASL PLAIN (RFC 4616): a single message,
// authzid NUL authcid NUL passwd, and no further steps.
type plainExchange struct {
	username, password string
	started             bool
}

func newPlainExchange(username, password string) *plainExchange {
	return &plainExchange{username: username, password: password}
}

func (e *plainExchange) Start() ([]byte, error) {
	e.started = true
	buf := make([]byte, 0, len(e.username)*2+len(e.password)+2)
	buf = append(buf, 0)
	buf = append(buf, e.username...)
	buf = append(buf, 0)
	buf = append(buf, e.password...)
	return buf, nil
}

func (e *plainExchange) Step(serverMsg []byte) ([]byte, bool, error) {
	// PLAIN is a single round trip; any server response after Start means
	// the exchange is complete.
	return nil, true, nil
}
