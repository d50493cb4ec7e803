// Package discovery advertises and finds signaling brokers on the local
// network over mDNS, so peers on one LAN can pair without any configured
// server.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

const (
	ServiceType = "_cyrus._tcp"
	Domain      = "local."

	txtPath = "path"
)

var ErrNoBroker = errors.New("no broker found on the local network")

// Advertisement is a registered broker service.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a broker listening on port with its WebSocket
// endpoint at path.
func Advertise(instance string, port int, path string) (*Advertisement, error) {
	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		[]string{txtPath + "=" + path},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register broker service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Stop() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Broker is a broker found by FindBroker.
type Broker struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Path      string
}

// URL returns the WebSocket URL of the broker, preferring the first IPv4
// address.
func (b Broker) URL() string {
	host := b.Host
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	host = strings.TrimSuffix(host, ".")

	path := b.Path
	if path == "" {
		path = "/signal"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(b.Port)) + path
}

// FindBroker browses until the first broker shows up or ctx is done.
func FindBroker(ctx context.Context) (Broker, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Broker{}, ErrNoBroker
			}
			if b, ok := fromEntry(entry); ok {
				return b, nil
			}
		case <-removed:
		case <-ctx.Done():
			return Broker{}, fmt.Errorf("%w: %v", ErrNoBroker, ctx.Err())
		}
	}
}

func fromEntry(entry *zeroconf.ServiceEntry) (Broker, bool) {
	if entry == nil || entry.Port == 0 {
		return Broker{}, false
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 && entry.HostName == "" {
		return Broker{}, false
	}

	return Broker{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		Path:      ParseTXT(entry.Text)[txtPath],
	}, true
}

// ParseTXT splits key=value TXT strings. Entries without '=' are kept as
// keys with empty values.
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, s := range txt {
		k, v, _ := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
