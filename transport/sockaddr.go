/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// IPToSockaddr builds the socket address a TCP Connect or Bind call
// takes. IPv4 addresses get a SockaddrInet4, everything else (IPv6,
// including the wildcard) a SockaddrInet6.
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// SockaddrToAddrPort is IPToSockaddr's inverse, used on the accept
// path to name the remote peer an inbound connection came from.
// Non-IP socket addresses (a unix peer) yield the zero AddrPort.
func SockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// resolveBindAddr resolves host to an IP suitable for Bind; an empty
// host binds to the wildcard address.
func resolveBindAddr(host string) (net.IP, error) {
	if host == "" {
		return net.IPv6zero, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.AddrError{Err: "no addresses found", Addr: host}
	}
	return ips[0], nil
}

// unixSockaddrForPath builds the SockaddrUnix for a filesystem-path or
// abstract-namespace unix socket. An abstract name (leading NUL, not
// visible in the filesystem) is requested with abstract=true.
func unixSockaddrForPath(path string, abstract bool) *unix.SockaddrUnix {
	name := path
	if abstract {
		name = "\x00" + path
	}
	return &unix.SockaddrUnix{Name: name}
}
