package classify

import "github.com/shardwire/flowcap/collab"

// identifiable is the narrow surface a session needs for parser creation:
// a stable, loggable id. Sessions that don't implement it still classify
// fine, just with an empty parser-facing id.
type identifiable interface {
	SessionID() string
}

// chain tries each factory in order against the first bytes of a direction
// and installs the first one that accepts, mirroring the teacher's own
// first-match parser selection.
type chain struct {
	factories []collab.ParserFactory
}

// NewClassifier builds a collab.Classifier that tries factories in order.
// TLS and HTTP factories can be freely mixed: each only accepts the byte
// patterns it recognizes and rejects everything else.
func NewClassifier(factories ...collab.ParserFactory) collab.Classifier {
	return &chain{factories: factories}
}

func (c *chain) ClassifyTCP(session interface{}, data []byte, dir int) []collab.Parser {
	isClient := dir == 0
	sessionID := sessionIDOf(session)
	for _, f := range c.factories {
		decision, _ := f.Accepts(data, isClient)
		if decision == collab.Accept {
			return []collab.Parser{f.CreateParser(sessionID)}
		}
	}
	return nil
}

// ClassifyUDP installs no parsers, whatever factories the chain holds:
// neither HTTP nor TLS sniffing applies to a UDP datagram in this module's
// scope.
func (c *chain) ClassifyUDP(session interface{}, data []byte, dir int) []collab.Parser {
	return nil
}

func (c *chain) InitialTag(session interface{}) {}

func sessionIDOf(session interface{}) string {
	if id, ok := session.(identifiable); ok {
		return id.SessionID()
	}
	return ""
}
