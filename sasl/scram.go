package sasl

import (
	"github.com/xdg-go/scram"
)

// scramExchange wraps the xdg-go/scram client conversation into the
// Exchange interface's Start/Step shape.
type scramExchange struct {
	conv *scram.ClientConversation
}

func newScramExchange(fn scram.HashGeneratorFcn, username, password string) (*scramExchange, error) {
	client, err := fn.NewClient(username, password, "")
	if err != nil {
		return nil, err
	}
	return &scramExchange{conv: client.NewConversation()}, nil
}

func (e *scramExchange) Start() ([]byte, error) {
	msg, err := e.conv.Step("")
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (e *scramExchange) Step(serverMsg []byte) ([]byte, bool, error) {
	if e.conv.Done() {
		return nil, true, nil
	}
	resp, err := e.conv.Step(string(serverMsg))
	if err != nil {
		return nil, false, err
	}
	return []byte(resp), e.conv.Done(), nil
}
