package ferry

import (
	"crypto/x509"
	"log/slog"
	"net"
	"net/netip"
	"unique"
)

type Hostname string

// Host is what the transport knows about a peer: the name it proved with
// its certificate and the address it connects from.
type Host struct {
	Name unique.Handle[Hostname]
	Addr netip.AddrPort
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if udp, ok := addr.(*net.UDPAddr); ok {
		ap := udp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

// HostnameResolver resolves the name of a peer from the certificates it
// presented.
//
// Implementations MUST NOT block, they run on the connection
// establishment path. On failure, they return a human-friendly reason as
// third value, which is sent to the peer. An empty reason is replaced by a
// generic internal error.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver resolves the hostname from the subject common name
// of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "no client certificate was provided"
	}
	return Hostname(certs[0].Subject.CommonName), nil, ""
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr.String()),
	)
}
