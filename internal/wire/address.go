package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Address schemes understood by the transport driver table.
const (
	SchemeInproc = "inproc"
	SchemeUnix   = "unix"
	SchemeTCP    = "tcp"
	SchemeUCX    = "ucx"
)

// NoSubPool is the SubPool value of an address that does not target a
// specific sub-pool.
const NoSubPool = -1

// Address is the parsed form of "scheme://host[:port][/subpool/<index>]".
// For unix addresses Host is the socket path; for inproc it is an arbitrary
// process-local name.
type Address struct {
	// Scheme selects the transport driver.
	Scheme string

	// Host is the endpoint: "host:port" for tcp/ucx, a filesystem path
	// for unix, a name for inproc.
	Host string

	// SubPool is the target sub-pool index, or NoSubPool.
	SubPool int
}

// ParseAddress parses an address string. The sub-pool suffix is optional;
// unknown schemes are rejected here so misrouted sends fail before they
// reach the driver table.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Address{}, NewError(
			KindProtocolError, "address %q: missing scheme", s,
		)
	}

	switch scheme {
	case SchemeInproc, SchemeUnix, SchemeTCP, SchemeUCX:
	default:
		return Address{}, NewError(
			KindProtocolError, "address %q: unknown scheme %q",
			s, scheme,
		)
	}

	addr := Address{Scheme: scheme, Host: rest, SubPool: NoSubPool}

	// Split off a trailing "/subpool/<index>" if present. For unix
	// addresses the host itself contains slashes, so only the suffix
	// form is recognized.
	if idx := strings.LastIndex(rest, "/subpool/"); idx >= 0 {
		n, err := strconv.Atoi(rest[idx+len("/subpool/"):])
		if err != nil || n < 0 {
			return Address{}, NewError(
				KindProtocolError,
				"address %q: bad sub-pool index", s,
			)
		}

		addr.Host = rest[:idx]
		addr.SubPool = n
	}

	if addr.Host == "" {
		return Address{}, NewError(
			KindProtocolError, "address %q: empty host", s,
		)
	}

	return addr, nil
}

// String renders the address back to its canonical string form.
func (a Address) String() string {
	if a.SubPool == NoSubPool {
		return a.Scheme + "://" + a.Host
	}

	return fmt.Sprintf("%s://%s/subpool/%d", a.Scheme, a.Host, a.SubPool)
}

// Base returns the address without any sub-pool suffix. Channels are keyed
// by base address: all sub-pool refinements of one endpoint share a channel.
func (a Address) Base() Address {
	a.SubPool = NoSubPool
	return a
}

// WithSubPool returns a copy of the address targeting the given sub-pool.
func (a Address) WithSubPool(idx int) Address {
	a.SubPool = idx
	return a
}
