package tap

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/elements-storage/AudioLoopback/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP sink configuration.
const (
	DefaultUDPConfigIPAddr = "127.0.0.1"
	DefaultUDPConfigPort   = 20_000
)

// maxDatagramBytes keeps each datagram inside a typical MTU.
const maxDatagramBytes = 1408

// UDPConfig contains the configuration for the UDP sink.
type UDPConfig struct {
	// IPAddr is the destination IP address.
	IPAddr string

	// Port is the destination port.
	Port uint16
}

// NewUDPConfig returns the default configuration for the UDP sink.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		IPAddr: DefaultUDPConfigIPAddr,
		Port:   DefaultUDPConfigPort,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, uint16(DefaultUDPConfigPort))
}

////////////////
//  UDP SINK  //
////////////////

// UDPSink streams the tap as raw interleaved stereo float32 PCM
// datagrams. Chunks larger than one MTU are split on frame boundaries.
type UDPSink struct {
	cfg *UDPConfig

	conn *net.UDPConn
}

// NewUDPSink returns a UDP sink. The connection is opened on Init.
func NewUDPSink(cfg *UDPConfig) *UDPSink {
	return &UDPSink{
		cfg: cfg,
	}
}

// Init resolves the destination and opens the connection.
func (s *UDPSink) Init(_ context.Context) error {
	addr, err := netip.ParseAddr(s.cfg.IPAddr)
	if err != nil {
		return fmt.Errorf("tap: invalid UDP sink address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, s.cfg.Port)))
	if err != nil {
		return err
	}

	s.conn = conn

	return nil
}

// Write sends one chunk, split into MTU-sized datagrams.
func (s *UDPSink) Write(chunk Chunk) error {
	const datagramBytes = maxDatagramBytes - maxDatagramBytes%bytesPerFrame

	data := chunk.Data[:int(chunk.Frames)*bytesPerFrame]
	for len(data) > 0 {
		size := min(len(data), datagramBytes)

		if _, err := s.conn.Write(data[:size]); err != nil {
			return err
		}

		data = data[size:]
	}

	return nil
}

// Close closes the connection.
func (s *UDPSink) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Close()
}
