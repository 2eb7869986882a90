package monitor

import (
	"net"
	"strings"

	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

// Output markers emitted by the OpenVPN client.
const (
	MarkerConnected    = "Initialization Sequence Completed"
	MarkerInactivity   = "Inactivity timeout"
	MarkerAuthFailed   = "AUTH_FAILED"
	MarkerAuthFailure  = "auth-failure"
	MarkerLinkRemote   = "link remote:"
	MarkerLocalNetwork = "network/local/netmask"
	MarkerIfconfig     = "ifconfig"
	MarkerIPAddrAdd    = "ip addr add dev"
)

// Sink receives the effects of classified lines.
type Sink interface {
	SetStatus(status session.Status)
	SetServerAddr(addr string)
	SetClientAddr(addr string)
}

// Classifier maps an output line onto a Sink.
type Classifier interface {
	// Classify applies the line to sink and returns the name of the rule
	// that matched, or "" when none did.
	Classify(line string, sink Sink) string
}

// Rule is one line classification rule.
type Rule struct {
	Name  string
	Match func(line string) bool
	Apply func(sink Sink, line string)
}

// RuleSet is an ordered list of rules. The first matching rule wins.
type RuleSet []Rule

// Classify implements Classifier.
func (rs RuleSet) Classify(line string, sink Sink) string {
	for _, rule := range rs {
		if rule.Match(line) {
			rule.Apply(sink, line)
			return rule.Name
		}
	}
	return ""
}

func contains(markers ...string) func(string) bool {
	return func(line string) bool {
		for _, m := range markers {
			if strings.Contains(line, m) {
				return true
			}
		}
		return false
	}
}

func setStatus(status session.Status) func(Sink, string) {
	return func(sink Sink, _ string) {
		sink.SetStatus(status)
	}
}

func setServer(parse func(string) string) func(Sink, string) {
	return func(sink Sink, line string) {
		if addr := parse(line); addr != "" {
			sink.SetServerAddr(addr)
		}
	}
}

func setClient(parse func(string) string) func(Sink, string) {
	return func(sink Sink, line string) {
		if addr := parse(line); addr != "" {
			sink.SetClientAddr(addr)
		}
	}
}

// DefaultRules returns the OpenVPN client rules in priority order.
func DefaultRules() RuleSet {
	return RuleSet{
		{Name: "connected", Match: contains(MarkerConnected), Apply: setStatus(session.StatusConnected)},
		{Name: "inactivity", Match: contains(MarkerInactivity), Apply: setStatus(session.StatusReconnecting)},
		{Name: "auth_failed", Match: contains(MarkerAuthFailed, MarkerAuthFailure), Apply: setStatus(session.StatusAuthError)},
		{Name: "link_remote", Match: contains(MarkerLinkRemote), Apply: setServer(ParseServerAddr)},
		{Name: "local_network", Match: contains(MarkerLocalNetwork), Apply: setClient(ParseClientAddr)},
		{
			Name: "ifconfig",
			Match: func(line string) bool {
				return strings.Contains(line, MarkerIfconfig) && strings.Contains(line, "netmask")
			},
			Apply: setClient(parseIfconfigAddr),
		},
		{
			Name: "ip_addr_add",
			Match: func(line string) bool {
				return strings.Contains(line, MarkerIPAddrAdd) && strings.Contains(line, "broadcast")
			},
			Apply: setClient(parseIPAddrAdd),
		},
	}
}

// ParseServerAddr extracts the address from a link remote line such as
// "TCP/UDP: link remote: [AF_INET]198.51.100.7:1194". It returns the text
// between the last ']' and the last ':'.
func ParseServerAddr(line string) string {
	start := strings.LastIndex(line, "]") + 1
	if start == 0 {
		if i := strings.Index(line, MarkerLinkRemote); i >= 0 {
			start = i + len(MarkerLinkRemote)
		}
	}
	end := strings.LastIndex(line, ":")
	if end < start {
		return ""
	}
	return strings.TrimSpace(line[start:end])
}

// ParseClientAddr extracts the tunnel address from a network/local/netmask
// line. The address is the '/'-separated field right before the netmask,
// which matches both "10.8.0.0/10.8.0.6/255.255.255.0" and
// "10.8.0.6/255.255.255.0/...". Without a recognizable netmask it falls back
// to the text between the last two '/' of the value.
func ParseClientAddr(line string) string {
	value := line
	if i := strings.LastIndex(line, MarkerLocalNetwork); i >= 0 {
		value = line[i+len(MarkerLocalNetwork):]
	}
	value = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "="))
	if f := strings.Fields(value); len(f) > 0 {
		value = f[0]
	}

	parts := strings.Split(value, "/")
	for i := 1; i < len(parts); i++ {
		if isNetmask(parts[i]) && net.ParseIP(parts[i-1]) != nil {
			return parts[i-1]
		}
	}

	end := strings.LastIndex(value, "/")
	if end < 0 {
		return ""
	}
	rest := value[:end]
	start := strings.LastIndex(rest, "/") + 1
	return strings.TrimSpace(rest[start:])
}

// isNetmask reports whether s is a dotted IPv4 netmask.
func isNetmask(s string) bool {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return false
	}
	ones, bits := net.IPMask(ip).Size()
	return bits != 0 && ones > 0
}

// parseIfconfigAddr handles "ifconfig tun0 10.8.0.6 netmask 255.255.255.0".
func parseIfconfigAddr(line string) string {
	start := strings.Index(line, MarkerIfconfig) + len(MarkerIfconfig)
	end := strings.Index(line, "netmask")
	if end < start {
		return ""
	}
	fields := strings.Fields(line[start:end])
	if len(fields) < 2 || net.ParseIP(fields[1]) == nil {
		return ""
	}
	return fields[1]
}

// parseIPAddrAdd handles "ip addr add dev tun0 10.8.0.6/24 broadcast 10.8.0.255".
func parseIPAddrAdd(line string) string {
	start := strings.Index(line, MarkerIPAddrAdd) + len(MarkerIPAddrAdd)
	end := strings.Index(line, "broadcast")
	if end < start {
		return ""
	}
	fields := strings.Fields(line[start:end])
	if len(fields) < 2 {
		return ""
	}
	addr, _, ok := strings.Cut(fields[1], "/")
	if !ok {
		return ""
	}
	return addr
}
