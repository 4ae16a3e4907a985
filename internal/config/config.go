// Package config resolves the §6 CLI/YAML contract into a validated
// Config ready for the forwarder: role, TCP endpoint, and the two UDP side
// specs (bind and sendto), including the "auto" address-shorthand rules.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Role selects which symmetric half of the tunnel this instance runs (§2).
type Role string

const (
	RoleListen  Role = "listen"
	RoleConnect Role = "connect"
)

// Config is one fully-resolved tunnel instance.
type Config struct {
	Role    Role   `yaml:"role"`
	TCPAddr string `yaml:"tcp_addr"`

	UDPBindSpec   string `yaml:"udp_bind"`
	UDPSendtoSpec string `yaml:"udp_sendto"`

	// UDPBindIPSpec overrides the address auto-mode per-flow sockets bind
	// to (§9 Open Question 1). Empty means 0.0.0.0. Only valid when
	// UDPBindSpec is "auto"; Resolve reports an error if it is set otherwise.
	UDPBindIPSpec string `yaml:"udp_bind_ip"`

	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`

	// Resolved below by Resolve(); never set directly from YAML/CLI.
	UDPBindAddr   *net.UDPAddr `yaml:"-"`
	UDPBindAuto   bool         `yaml:"-"`
	UDPBindIP     net.IP       `yaml:"-"`
	UDPSendtoAddr *net.UDPAddr `yaml:"-"`
	UDPSendtoIP   net.IP       `yaml:"-"`
	UDPSendtoAuto bool         `yaml:"-"`
}

// File is the optional --config document: one or more named tunnel
// instances, each validated independently and reported together.
type File struct {
	Tunnels []Config `yaml:"tunnels"`
}

// LoadFile reads and validates a YAML config document.
func LoadFile(data []byte) ([]Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if len(f.Tunnels) == 0 {
		return nil, fmt.Errorf("config: file declares no tunnels")
	}

	var allErrors []error
	for i := range f.Tunnels {
		if errs := f.Tunnels[i].Resolve(); len(errs) > 0 {
			for _, err := range errs {
				allErrors = append(allErrors, fmt.Errorf("tunnels[%d]: %w", i, err))
			}
		}
	}
	if err := joinErrors(allErrors); err != nil {
		return nil, err
	}
	return f.Tunnels, nil
}

// Resolve validates c and fills in its derived fields (UDPBindAddr,
// UDPSendtoAddr, etc). It aggregates every problem found instead of
// stopping at the first one, so a misconfigured instance can be fixed in
// one pass.
func (c *Config) Resolve() []error {
	var errs []error

	switch c.Role {
	case RoleListen, RoleConnect:
	default:
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleListen, RoleConnect, c.Role))
	}

	if strings.TrimSpace(c.TCPAddr) == "" {
		errs = append(errs, fmt.Errorf("tcp address is required"))
	}

	bindAddr, bindAuto, err := parseBindSpec(c.UDPBindSpec)
	if err != nil {
		errs = append(errs, fmt.Errorf("udp-bind: %w", err))
	} else {
		c.UDPBindAddr, c.UDPBindAuto = bindAddr, bindAuto
	}
	if bindAuto && c.Role != RoleListen {
		errs = append(errs, fmt.Errorf("udp-bind auto is only valid with role %q", RoleListen))
	}

	if strings.TrimSpace(c.UDPBindIPSpec) == "" {
		c.UDPBindIP = net.IPv4zero
	} else if ip := net.ParseIP(c.UDPBindIPSpec); ip != nil {
		c.UDPBindIP = ip
	} else {
		errs = append(errs, fmt.Errorf("udp-bind-ip: invalid IP %q", c.UDPBindIPSpec))
	}
	if c.UDPBindIPSpec != "" && !bindAuto {
		errs = append(errs, fmt.Errorf("udp-bind-ip is only meaningful when udp-bind is \"auto\""))
	}

	sendtoAddr, sendtoIP, sendtoAuto, err := parseSendtoSpec(c.UDPSendtoSpec)
	if err != nil {
		errs = append(errs, fmt.Errorf("udp-sendto: %w", err))
	} else {
		c.UDPSendtoAddr, c.UDPSendtoIP, c.UDPSendtoAuto = sendtoAddr, sendtoIP, sendtoAuto
	}
	if sendtoAuto && c.Role != RoleConnect {
		errs = append(errs, fmt.Errorf("udp-sendto IP:auto is only valid with role %q", RoleConnect))
	}

	return errs
}

// parseBindSpec parses a udp-bind SPEC: PORT, IP:PORT, or the literal
// "auto". A bare PORT means 0.0.0.0:PORT (§6).
func parseBindSpec(spec string) (*net.UDPAddr, bool, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, false, fmt.Errorf("udp-bind is required")
	}
	if spec == "auto" {
		return nil, true, nil
	}
	addr, err := resolveHostPort(spec, "0.0.0.0")
	if err != nil {
		return nil, false, err
	}
	return addr, false, nil
}

// parseSendtoSpec parses a udp-sendto SPEC: PORT, IP:PORT, or IP:auto. A
// bare PORT means 127.0.0.1:PORT (§6). IP:auto resolves only the IP, and
// leaves the destination port to be supplied per-frame by the Forwarder.
func parseSendtoSpec(spec string) (addr *net.UDPAddr, ip net.IP, auto bool, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil, false, fmt.Errorf("udp-sendto is required")
	}

	if strings.HasSuffix(spec, ":auto") {
		host := strings.TrimSuffix(spec, ":auto")
		resolved := net.ParseIP(host)
		if resolved == nil {
			return nil, nil, false, fmt.Errorf("invalid IP %q in %q", host, spec)
		}
		return nil, resolved, true, nil
	}

	resolved, err := resolveHostPort(spec, "127.0.0.1")
	if err != nil {
		return nil, nil, false, err
	}
	return resolved, nil, false, nil
}

// resolveHostPort parses "PORT" or "IP:PORT", defaulting the host to
// defaultHost when only a bare port is given.
func resolveHostPort(spec, defaultHost string) (*net.UDPAddr, error) {
	if !strings.Contains(spec, ":") {
		port, err := strconv.Atoi(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", spec, err)
		}
		return &net.UDPAddr{IP: net.ParseIP(defaultHost), Port: port}, nil
	}
	addr, err := net.ResolveUDPAddr("udp", spec)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", spec, err)
	}
	return addr, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
