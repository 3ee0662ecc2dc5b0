package routing

import (
	"strconv"
	"strings"

	"sip-registrar/internal/registry"
	"sip-registrar/internal/sip"
)

// DefaultMaxForwards is assumed when a request carries no Max-Forwards.
const DefaultMaxForwards = 70

// Via describes the hop the proxy inserts in forwarded requests.
type Via struct {
	// Addr is the advertised host:port of the proxy.
	Addr string
}

// Header renders a Via header value with a fresh branch for transport.
func (v Via) Header(transport string) string {
	if transport == "" {
		transport = "UDP"
	}
	return "SIP/2.0/" + strings.ToUpper(transport) + " " + v.Addr + ";branch=" + sip.NewBranch()
}

// hopHeaders are rewritten rather than copied when forwarding.
var hopHeaders = map[string]bool{
	"via":                 true,
	"max-forwards":        true,
	"content-length":      true,
	"authorization":       true,
	"proxy-authorization": true,
}

// MaxForwards returns the remaining hop count of req.
func MaxForwards(req *sip.Request) int {
	v := strings.TrimSpace(req.Header.Get("Max-Forwards"))
	if v == "" {
		return DefaultMaxForwards
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return DefaultMaxForwards
	}
	return n
}

// BuildInvite creates the INVITE sent to the device of b from the caller's
// request. The Request-URI is the registered contact, the proxy's Via goes
// on top of the received ones and Max-Forwards is decremented. Dialog
// headers and the body are copied unchanged; credentials are not.
func BuildInvite(orig *sip.Request, b registry.Binding, via Via) *sip.Request {
	out := sip.NewRequest(sip.INVITE, b.Contact)
	out.Header.Add("Via", via.Header(b.Transport))
	for _, v := range orig.Header.Values("Via") {
		out.Header.Add("Via", v)
	}
	out.Header.Add("Max-Forwards", strconv.Itoa(max(MaxForwards(orig)-1, 0)))
	for _, f := range orig.Header.Fields() {
		if hopHeaders[strings.ToLower(f.Name)] {
			continue
		}
		for _, v := range f.Values {
			out.Header.Add(f.Name, v)
		}
	}
	out.Content = append([]byte(nil), orig.Content...)
	out.Header.Set("Content-Length", strconv.Itoa(len(out.Content)))
	return out
}
