// Package discovery advertises the receiver over multicast DNS so senders
// list it as an AirPlay target.
//
// Two services are published: _raop._tcp for audio on the control port,
// named "<mac without colons>@<name>", and _airplay._tcp for video on the
// mirroring port, named "<name>".
package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// Service types.
const (
	RAOPService    = "_raop._tcp"
	AirPlayService = "_airplay._tcp"
)

// DefaultTXTFeatures is the feature pair published in the TXT records.
const DefaultTXTFeatures = "0x5A7FDE40,0x1C"

var macAddress = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// ErrDeviceID is returned for a device id that is not a MAC address.
var ErrDeviceID = errors.New("device id must be a mac address")

// Config describes what to advertise.
type Config struct {
	Name          string
	DeviceID      string
	Model         string
	SourceVersion string
	Features      string
	PublicKey     []byte
	RTSPPort      int
	AirPlayPort   int

	// HostName defaults to the OS host name; IPs to every non-loopback
	// interface address.
	HostName string
	IPs      []net.IP
	Iface    *net.Interface
}

// Advertiser publishes the RAOP and AirPlay services.
type Advertiser struct {
	cfg      Config
	services []*mdns.MDNSService

	mu      sync.Mutex
	servers []*mdns.Server
}

// RAOPInstance returns the RAOP instance name for a device.
func RAOPInstance(deviceID, name string) (string, error) {
	if !macAddress.MatchString(deviceID) {
		return "", fmt.Errorf("%q: %w", deviceID, ErrDeviceID)
	}
	return strings.ToUpper(strings.ReplaceAll(deviceID, ":", "")) + "@" + name, nil
}

// RAOPRecords returns the _raop._tcp TXT records.
func RAOPRecords(cfg Config) []string {
	return []string{
		"ch=2",
		"cn=1,2",
		"et=0,3,5",
		"md=0,1,2",
		"sr=44100",
		"ss=16",
		"da=true",
		"sv=false",
		"ft=" + cfg.Features,
		"am=" + cfg.Model,
		"pk=" + hex.EncodeToString(cfg.PublicKey),
		"sf=0x4",
		"tp=UDP",
		"vn=65537",
		"vs=" + cfg.SourceVersion,
		"vv=2",
	}
}

// AirPlayRecords returns the _airplay._tcp TXT records. The pairing id is
// derived from the device id so it is stable across restarts.
func AirPlayRecords(cfg Config) []string {
	pi := uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.DeviceID))
	return []string{
		"deviceid=" + cfg.DeviceID,
		"features=" + cfg.Features,
		"flags=0x4",
		"model=" + cfg.Model,
		"pk=" + hex.EncodeToString(cfg.PublicKey),
		"pi=" + pi.String(),
		"srcvers=" + cfg.SourceVersion,
		"vv=2",
	}
}

// NewAdvertiser validates cfg and builds both service records. Nothing
// is sent until Start.
func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.Features == "" {
		cfg.Features = DefaultTXTFeatures
	}
	raopInstance, err := RAOPInstance(cfg.DeviceID, cfg.Name)
	if err != nil {
		return nil, err
	}

	if cfg.HostName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("host name: %w", err)
		}
		cfg.HostName = host
	}
	if !strings.HasSuffix(cfg.HostName, ".") {
		cfg.HostName += ".local."
	}
	if len(cfg.IPs) == 0 {
		if cfg.IPs, err = interfaceAddresses(); err != nil {
			return nil, err
		}
	}

	raop, err := mdns.NewMDNSService(raopInstance, RAOPService, "", cfg.HostName, cfg.RTSPPort, cfg.IPs, RAOPRecords(cfg))
	if err != nil {
		return nil, fmt.Errorf("raop service: %w", err)
	}
	airplay, err := mdns.NewMDNSService(cfg.Name, AirPlayService, "", cfg.HostName, cfg.AirPlayPort, cfg.IPs, AirPlayRecords(cfg))
	if err != nil {
		return nil, fmt.Errorf("airplay service: %w", err)
	}

	return &Advertiser{cfg: cfg, services: []*mdns.MDNSService{raop, airplay}}, nil
}

// Services returns the RAOP and AirPlay service records.
func (a *Advertiser) Services() []*mdns.MDNSService {
	return a.services
}

// Start begins answering mDNS queries.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.servers) > 0 {
		return nil
	}

	for _, service := range a.services {
		server, err := mdns.NewServer(&mdns.Config{Zone: service, Iface: a.cfg.Iface})
		if err != nil {
			a.shutdownLocked()
			return fmt.Errorf("advertise %s: %w", service.Service, err)
		}
		a.servers = append(a.servers, server)

		logrus.WithFields(logrus.Fields{
			"function": "Advertiser.Start",
			"service":  service.Service,
			"instance": service.Instance,
			"port":     service.Port,
		}).Info("Service advertised")
	}
	return nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdownLocked()
}

func (a *Advertiser) shutdownLocked() error {
	var errs []error
	for _, server := range a.servers {
		if err := server.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	a.servers = nil

	logrus.WithFields(logrus.Fields{
		"function": "Advertiser.Shutdown",
	}).Info("Service advertisement stopped")
	return errors.Join(errs...)
}

// Run advertises until ctx is cancelled.
func (a *Advertiser) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Shutdown()
}

// interfaceAddresses lists the non-loopback unicast addresses of the host.
func interfaceAddresses() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("interface addresses: %w", err)
	}
	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ipNet.IP)
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable interface address")
	}
	return ips, nil
}
