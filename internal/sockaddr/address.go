// Package sockaddr implements the resolved-endpoint value type shared by
// the dialer and the connection core: an immutable (family, socket type,
// opaque name) triple, along with serialization and pretty-printing.
//
// This mirrors libcperciva/util/sock_util.c's struct sock_addr and its
// sock_addr_* operations, translated to value semantics: Go's garbage
// collector takes over sock_addr_dup/sock_addr_freelist's job, so Address
// is just cloned by assignment-of-a-copy and lists are plain slices.
package sockaddr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Family mirrors the subset of address families the pretty-printer and
// dialer care about. Values match syscall.AF_* on every platform this
// repo targets, so an Address can be round-tripped through net.Addr
// plumbing without translation tables.
type Family int

const (
	FamilyUnspec Family = 0
	FamilyInet   Family = 2
	FamilyInet6  Family = 10
	FamilyUnix   Family = 1
)

// SockType is the socket type. spiped only ever tunnels TCP and UNIX
// stream sockets, never datagram sockets, so SockStream is used for both.
type SockType int

const (
	SockStream SockType = 1
)

// Address is an immutable resolved endpoint: a socket family, a socket
// type, and an opaque address name (the raw sockaddr bytes on the
// originating platform, or a UNIX path, or a textual host:port — see
// Pretty and Serialize for the forms this repo actually produces).
//
// Equality is byte-wise over the three fields. Name is a []byte, so
// Address is not comparable with ==; Equal provides the comparison.
type Address struct {
	Family   Family
	SockType SockType
	Name     []byte
}

// Equal reports whether a and b denote the same address.
func (a Address) Equal(b Address) bool {
	return a.Family == b.Family &&
		a.SockType == b.SockType &&
		bytes.Equal(a.Name, b.Name)
}

// Clone returns an independent copy of a; mutating the clone's Name does
// not affect a's.
func (a Address) Clone() Address {
	name := make([]byte, len(a.Name))
	copy(name, a.Name)
	return Address{Family: a.Family, SockType: a.SockType, Name: name}
}

// CloneList duplicates a list of addresses, preserving order.
func CloneList(as []Address) []Address {
	out := make([]Address, len(as))
	for i, a := range as {
		out[i] = a.Clone()
	}
	return out
}

// FreeList exists for symmetry with the original's sock_addr_freelist:
// targets are released at a well-defined point once a connect attempt
// finishes with them. In Go there is nothing to free explicitly, so this
// just severs the
// slice so a lingering reference can't accidentally keep using it.
func FreeList(as []Address) []Address {
	for i := range as {
		as[i].Name = nil
	}
	return nil
}

// Serialize encodes a as family (int32), socktype (int32), namelen
// (uint32), each big-endian, then name — concatenated with no padding or
// framing. This format is for local IPC only.
func Serialize(a Address) []byte {
	buf := make([]byte, 4+4+4+len(a.Name))
	binary.BigEndian.PutUint32(buf[0:4], uint32(a.Family))
	binary.BigEndian.PutUint32(buf[4:8], uint32(a.SockType))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(a.Name)))
	copy(buf[12:], a.Name)
	return buf
}

// Deserialize decodes a buffer produced by Serialize.
func Deserialize(buf []byte) (Address, error) {
	if len(buf) < 12 {
		return Address{}, errors.New("sockaddr: truncated serialized address")
	}
	family := binary.BigEndian.Uint32(buf[0:4])
	socktype := binary.BigEndian.Uint32(buf[4:8])
	namelen := binary.BigEndian.Uint32(buf[8:12])
	if uint64(len(buf)) != 12+uint64(namelen) {
		return Address{}, errors.New("sockaddr: length mismatch in serialized address")
	}
	name := make([]byte, namelen)
	copy(name, buf[12:])
	return Address{Family: Family(family), SockType: SockType(socktype), Name: name}, nil
}

// Pretty renders a for logging:
//   AF_INET  -> "[d.d.d.d]:p"
//   AF_INET6 -> "[colon-hex]:p"
//   AF_UNIX  -> the filesystem path verbatim
//   anything else -> "Unknown address"
func Pretty(a Address) string {
	switch a.Family {
	case FamilyInet, FamilyInet6:
		host, port, err := splitHostPort(a.Name)
		if err != nil {
			return "Unknown address"
		}
		return fmt.Sprintf("[%s]:%d", host, port)
	case FamilyUnix:
		return string(a.Name)
	default:
		return "Unknown address"
	}
}

// splitHostPort recovers (ip, port) from an Address's Name, which this
// package always stores as a "host:port" string for AF_INET/AF_INET6
// (see FromNetAddr) rather than a raw platform sockaddr — the platform
// layout only matters for Serialize's on-the-wire form.
func splitHostPort(name []byte) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(string(name))
	if err != nil {
		return "", 0, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// FromNetAddr builds an Address from a resolved net.Addr, as produced by
// net.ResolveTCPAddr / net.ResolveUnixAddr. It is the bridge between the
// standard library's resolver and this package's value type -- address
// resolution stays out of internal/proto's core, but something in the
// repository has to produce Addresses for the dialer to consume, so it
// lives here.
func FromNetAddr(netAddr net.Addr) (Address, error) {
	switch na := netAddr.(type) {
	case *net.TCPAddr:
		fam := FamilyInet
		if na.IP.To4() == nil {
			fam = FamilyInet6
		}
		return Address{Family: fam, SockType: SockStream, Name: []byte(na.String())}, nil
	case *net.UnixAddr:
		return Address{Family: FamilyUnix, SockType: SockStream, Name: []byte(na.Name)}, nil
	default:
		return Address{}, errors.Errorf("sockaddr: unsupported net.Addr type %T", netAddr)
	}
}

// Resolve normalizes a user-supplied address string (as taken by
// cmd/spiped and cmd/spipe's -listen/-target/-bind flags) with
// EnsurePort and resolves it into an Address. A runnable repository
// needs this somewhere between the CLI and the dialer/listener, so it
// lives here alongside the value type it produces.
func Resolve(addr string) (Address, error) {
	normalized := EnsurePort(addr)
	if len(normalized) > 0 && normalized[0] == '/' {
		return Address{Family: FamilyUnix, SockType: SockStream, Name: []byte(normalized)}, nil
	}
	netAddr, err := net.ResolveTCPAddr("tcp", normalized)
	if err != nil {
		return Address{}, errors.Wrapf(err, "sockaddr: resolve %q", addr)
	}
	return FromNetAddr(netAddr)
}

// ResolveList resolves a comma-separated target list in order,
// preserving the order internal/dialer's first-connect-wins fan-out
// depends on.
func ResolveList(addrs string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(addrs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := Resolve(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("sockaddr: empty target list %q", addrs)
	}
	return out, nil
}

// SortPreferIPv4 returns a copy of as stably partitioned so every
// AF_INET address precedes every other family, preserving relative
// order within each partition. This backs cmd/spiped's and cmd/spipe's
// "-4" flag, applied before the list reaches internal/dialer's ordered
// first-connect-wins fan-out.
func SortPreferIPv4(as []Address) []Address {
	out := make([]Address, 0, len(as))
	for _, a := range as {
		if a.Family == FamilyInet {
			out = append(out, a)
		}
	}
	for _, a := range as {
		if a.Family != FamilyInet {
			out = append(out, a)
		}
	}
	return out
}

// Network reports the net.Dial-compatible network name for a.
func (a Address) Network() string {
	if a.Family == FamilyUnix {
		return "unix"
	}
	return "tcp"
}

// String implements net.Addr-ish stringing for log lines; it just
// delegates to Pretty so ctxlog.Pushf can format an Address with %v
// directly, the way this repository's log lines format addresses
// throughout.
func (a Address) String() string {
	return Pretty(a)
}
