package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on closed engine objects.
var ErrClosed = errors.New("closed")

// Config holds the networking parameters fixed at process start.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	PortRange   struct {
		Min uint16
		Max uint16
	}
	InitialAvailableOutgoingBitrate int
	MinimumAvailableOutgoingBitrate int
	MaxIncomingBitrate              int
}

// Engine is the media routing worker. It owns every router and hands out
// transport ports from the configured range. Its death is fatal to every
// room it hosts; callers watch Died and restart the process.
type Engine struct {
	cfg       Config
	announced string
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	routers   map[string]*Router
	usedPorts map[uint16]bool
	nextPort  uint16
	closed    bool

	died chan struct{}
}

// New creates the engine worker.
func New(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg.ListenIP == "" {
		return nil, fmt.Errorf("engine: listen IP is required")
	}
	if cfg.PortRange.Min == 0 || cfg.PortRange.Max <= cfg.PortRange.Min {
		return nil, fmt.Errorf("engine: invalid port range [%d, %d]", cfg.PortRange.Min, cfg.PortRange.Max)
	}
	e := &Engine{
		cfg:       cfg,
		announced: resolveAnnouncedIP(cfg.ListenIP, cfg.AnnouncedIP),
		logger:    logger,
		routers:   make(map[string]*Router),
		usedPorts: make(map[uint16]bool),
		nextPort:  cfg.PortRange.Min,
		died:      make(chan struct{}),
	}
	logger.Infow("media engine started",
		"listen_ip", cfg.ListenIP,
		"announced_ip", e.announced,
		"port_min", cfg.PortRange.Min,
		"port_max", cfg.PortRange.Max,
	)
	return e, nil
}

// Died is closed if the engine dies abnormally. There is no recovery; the
// process is expected to restart.
func (e *Engine) Died() <-chan struct{} {
	return e.died
}

// Kill simulates abnormal worker death.
func (e *Engine) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.died)
}

// NewRouter allocates a router carrying the static codec capability set.
func (e *Engine) NewRouter() (*Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrEngineClosed
	}
	r := &Router{
		id:     utils.GenerateRouterID(),
		engine: e,
		caps:   routerCapabilities(),
	}
	e.routers[r.id] = r
	return r, nil
}

// Close shuts the engine down, closing every router (and transitively every
// transport, producer and consumer) first.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = nil
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	e.logger.Info("media engine closed")
}

func (e *Engine) announcedIP() string {
	return e.announced
}

// resolveAnnouncedIP picks the address advertised in ICE candidates: the
// configured announced IP, else a concrete listen IP, else the first
// non-loopback IPv4 on the host. A wildcard listen address must never be
// advertised to remote peers.
func resolveAnnouncedIP(listenIP, announcedIP string) string {
	if announcedIP != "" {
		return announcedIP
	}
	if ip := net.ParseIP(listenIP); ip != nil && !ip.IsUnspecified() {
		return listenIP
	}
	if ip := localIPv4(); ip != "" {
		return ip
	}
	return listenIP
}

func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// allocPort reserves one port from the configured listening range.
func (e *Engine) allocPort() (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, domain.ErrEngineClosed
	}
	for p := e.nextPort; p <= e.cfg.PortRange.Max; p++ {
		if !e.usedPorts[p] {
			e.usedPorts[p] = true
			e.nextPort = p + 1
			return p, nil
		}
	}
	for p := e.cfg.PortRange.Min; p < e.nextPort; p++ {
		if !e.usedPorts[p] {
			e.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("engine: port range exhausted")
}

func (e *Engine) freePort(p uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.usedPorts, p)
}

func (e *Engine) removeRouter(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.routers != nil {
		delete(e.routers, id)
	}
}

// routerCapabilities is the static codec capability set every router
// carries: one audio codec and three video codec variants.
func routerCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			{
				MimeType:    webrtc.MimeTypeVP8,
				ClockRate:   90000,
				SDPFmtpLine: "x-google-start-bitrate=1000",
			},
			{
				MimeType:    webrtc.MimeTypeVP9,
				ClockRate:   90000,
				SDPFmtpLine: "profile-id=2;x-google-start-bitrate=1000",
			},
			{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "packetization-mode=1;profile-level-id=4d0032;level-asymmetry-allowed=1;x-google-start-bitrate=1000",
			},
		},
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func randomFingerprint() webrtc.DTLSFingerprint {
	b := make([]byte, 32)
	rand.Read(b)
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, []byte(fmt.Sprintf("%02X", c))...)
	}
	return webrtc.DTLSFingerprint{Algorithm: "sha-256", Value: string(out)}
}
