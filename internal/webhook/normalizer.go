package webhook

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/haatos/hookci/internal/security"
)

type Request struct {
	Provider  string
	TriggerID string
	RemoteIP  string
	Header    http.Header
	Body      []byte
}

// Normalizer authenticates an inbound delivery and hands it to the parser
// registered for the route's provider.
type Normalizer struct {
	parsers   map[Provider]Parser
	triggerID string
	networks  []*net.IPNet
}

func NewNormalizer(triggerID string, allowedCIDRs []string, parsers ...Parser) (*Normalizer, error) {
	networks, err := security.ParseCIDRs(allowedCIDRs)
	if err != nil {
		return nil, err
	}
	n := &Normalizer{
		parsers:   make(map[Provider]Parser, len(parsers)),
		triggerID: triggerID,
		networks:  networks,
	}
	for _, p := range parsers {
		n.parsers[p.Provider()] = p
	}
	return n, nil
}

func (n *Normalizer) Normalize(r Request) (*Result, error) {
	parser, ok := n.parsers[Provider(r.Provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, r.Provider)
	}

	if n.triggerID != "" &&
		subtle.ConstantTimeCompare([]byte(n.triggerID), []byte(r.TriggerID)) != 1 {
		return nil, &AuthenticationError{Reason: "trigger id does not match", Forbidden: true}
	}
	if !security.AddressAllowed(n.networks, r.RemoteIP) {
		return nil, &AuthenticationError{
			Reason:    fmt.Sprintf("%s is not in the list of accepted source addresses", r.RemoteIP),
			Forbidden: true,
		}
	}
	if err := parser.Verify(r.Header, r.Body); err != nil {
		return nil, err
	}

	result, err := parser.Parse(r.Header, r.Body)
	if err != nil {
		return nil, err
	}
	result.Unverified = !parser.Signed()
	if result.Event != nil {
		result.Event.ReceivedOn = time.Now().UTC()
	}
	return result, nil
}
