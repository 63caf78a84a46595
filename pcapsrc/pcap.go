// Package pcapsrc supplies raw Ethernet frames to a
// dataplane.Dataplane from a live interface, wrapping gopacket/pcap
// behind a small interface so the packet loop can be driven by a fake
// source in tests. Live is the only Source in this package; reading
// an offline capture file is not supported.
package pcapsrc

import (
	"net"
	"time"

	"github.com/google/gopacket"
	_ "github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/printer"
)

// defaultSnapLen is the same default tcpdump uses.
const defaultSnapLen = 262144

// Source captures raw frames from one observation point until done is
// closed.
type Source interface {
	Capture(done <-chan struct{}, interfaceName, bpfFilter string) (<-chan gopacket.Packet, error)
	InterfaceAddrs(interfaceName string) ([]net.IP, error)
}

// Live is a Source backed by libpcap, one handle per interface.
type Live struct{}

func (Live) Capture(done <-chan struct{}, interfaceName, bpfFilter string) (<-chan gopacket.Packet, error) {
	handle, err := pcap.OpenLive(interfaceName, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pcap handle on %s", interfaceName)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	pktChan := packetSource.Packets()

	wrapped := make(chan gopacket.Packet, 64)
	go func() {
		defer func() {
			close(wrapped)
			handle.Close()
		}()

		start := time.Now()
		count := 0
		for {
			select {
			case <-done:
				return
			case pkt, ok := <-pktChan:
				if !ok {
					return
				}
				wrapped <- pkt
				if count == 0 {
					printer.Debugf("time to first packet on %s: %s\n", interfaceName, time.Since(start))
				}
				count++
			}
		}
	}()
	return wrapped, nil
}

func (Live) InterfaceAddrs(interfaceName string) ([]net.IP, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "no network interface named %s", interfaceName)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read addresses on interface %s", iface.Name)
	}

	var hostIPs []net.IP
	for _, addr := range addrs {
		switch a := addr.(type) {
		case *net.IPNet:
			ip := a.IP.Mask(a.Mask)
			nextIP(ip)
			hostIPs = append(hostIPs, ip)
		default:
			printer.Warningf("ignoring interface address of unrecognized type: %v\n", addr)
		}
	}
	return hostIPs, nil
}

func nextIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}

// Pump reads raw link-layer frames off src until done is closed or the
// source channel is drained, calling handle(op, data) for each one. It
// is the glue between a Source and dataplane.Dataplane.Process, kept
// separate from Dataplane itself so the capture loop can be swapped
// for an offline reader in tests without touching the core.
func Pump(done <-chan struct{}, src Source, interfaceName, bpfFilter string, op obspoint.Point, handle func(op obspoint.Point, data []byte)) error {
	pkts, err := src.Capture(done, interfaceName, bpfFilter)
	if err != nil {
		return err
	}
	for pkt := range pkts {
		handle(op, pkt.Data())
	}
	return nil
}
