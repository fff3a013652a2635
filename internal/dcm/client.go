package dcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/doip"
)

// Sentinel errors for the communication manager.
var (
	// ErrConversationNotFound indicates no conversation has the given name.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotInitialized indicates Initialize has not been called.
	ErrNotInitialized = errors.New("communication manager not initialized")

	// ErrConnectFailed indicates a conversation could not reach its ECU.
	ErrConnectFailed = errors.New("connect to diagnostic server failed")
)

// Option configures optional Client and Server parameters.
type Option func(*options)

type options struct {
	metrics doip.MetricsReporter
}

// WithMetrics sets the MetricsReporter passed to every DoIP object.
func WithMetrics(mr doip.MetricsReporter) Option {
	return func(o *options) {
		o.metrics = mr
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// -------------------------------------------------------------------------
// Client: tester role
// -------------------------------------------------------------------------

// Client owns the tester conversations and the discovery conversation
// declared in the configuration.
type Client struct {
	cfg       *config.Config
	transport doip.Transport
	opts      options
	logger    *slog.Logger

	mu            sync.Mutex
	mgr           *doip.Manager
	conversations map[string]*doip.Conversation
	discovery     *doip.VdConversation
}

// NewClient creates an uninitialized Client for cfg.
func NewClient(cfg *config.Config, transport doip.Transport, logger *slog.Logger, opts ...Option) *Client {
	return &Client{
		cfg:       cfg,
		transport: transport,
		opts:      buildOptions(opts),
		logger:    logger.With(slog.String("component", "dcm.client")),
	}
}

// Initialize creates and starts every configured conversation and opens
// the discovery endpoint on network.udp_ip_address with an ephemeral port.
// Conversations are not connected; see ConnectAll. Calling Initialize on
// an initialized Client has no effect.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mgr != nil {
		return nil
	}

	mgr := doip.NewManager(c.transport, c.logger, doip.WithManagerMetrics(c.opts.metrics))

	convs := make(map[string]*doip.Conversation, len(c.cfg.Conversations))
	for _, cc := range c.cfg.Conversations {
		conv, err := c.newConversation(cc)
		if err != nil {
			shutdownConversations(convs)
			_ = mgr.Close()
			return err
		}
		conv.Startup()
		convs[cc.Name] = conv
	}

	vd, err := c.newDiscovery(ctx, mgr)
	if err != nil {
		shutdownConversations(convs)
		_ = mgr.Close()
		return err
	}

	c.mgr = mgr
	c.conversations = convs
	c.discovery = vd

	c.logger.Info("communication manager initialized",
		slog.Int("conversations", len(convs)),
	)
	return nil
}

func (c *Client) newConversation(cc config.ConversationConfig) (*doip.Conversation, error) {
	host, err := cc.TargetAddrPort(c.cfg.DoIP.TCPPort)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation %s: %w", cc.Name, err)
	}

	tcp := doip.NewTCPClient(doip.TCPClientConfig{
		SourceAddress:            cc.SourceAddress,
		RoutingActivationTimeout: c.cfg.DoIP.RoutingActivationTimeout,
		AckTimeout:               c.cfg.DoIP.AckTimeout,
	}, c.transport, c.logger, doip.WithClientMetrics(c.opts.metrics))

	return doip.NewConversation(doip.ConversationConfig{
		Name:                cc.Name,
		SourceAddress:       cc.SourceAddress,
		TargetAddress:       cc.TargetAddress,
		Host:                host,
		P2ServerMax:         cc.P2ClientMax,
		P2StarServerMax:     cc.P2StarClientMax,
		RxBufferSize:        cc.RxBufferSize,
		MaxPendingResponses: c.cfg.DoIP.MaxPendingResponses,
	}, tcp, c.logger, doip.WithConversationMetrics(c.opts.metrics)), nil
}

func (c *Client) newDiscovery(ctx context.Context, mgr *doip.Manager) (*doip.VdConversation, error) {
	localIP, err := netip.ParseAddr(c.cfg.Network.UDPIPAddress)
	if err != nil {
		return nil, fmt.Errorf("initialize discovery: udp_ip_address: %w", err)
	}
	bcastIP, err := netip.ParseAddr(c.cfg.Network.UDPBroadcastAddress)
	if err != nil {
		return nil, fmt.Errorf("initialize discovery: udp_broadcast_address: %w", err)
	}

	conn, err := mgr.FindOrCreateUdpConnection(ctx, netip.AddrPortFrom(localIP, 0), true)
	if err != nil {
		return nil, fmt.Errorf("initialize discovery: %w", err)
	}

	vd, err := doip.NewVdConversation(doip.VdConfig{
		Name:             "discovery",
		BroadcastAddress: netip.AddrPortFrom(bcastIP, c.cfg.DoIP.UDPPort),
		DiscoveryTimeout: c.cfg.DoIP.DiscoveryTimeout,
	}, c.logger, doip.WithVdMetrics(c.opts.metrics))
	if err != nil {
		return nil, fmt.Errorf("initialize discovery: %w", err)
	}
	vd.RegisterConnection(conn)
	vd.Startup(ctx)
	return vd, nil
}

// ConnectAll connects every conversation to its ECU concurrently. All
// connections are attempted; the returned error joins one ErrConnectFailed
// per conversation that did not reach ConnectSuccess.
func (c *Client) ConnectAll(ctx context.Context) error {
	c.mu.Lock()
	convs := make([]*doip.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		convs = append(convs, conv)
	}
	initialized := c.mgr != nil
	c.mu.Unlock()

	if !initialized {
		return ErrNotInitialized
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, conv := range convs {
		g.Go(func() error {
			res := conv.ConnectToDiagServer(ctx)
			if res == doip.ConnectSuccess {
				return nil
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("conversation %s: %s: %w", conv.Name(), res, ErrConnectFailed))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Conversation returns the conversation registered under name.
func (c *Client) Conversation(name string) (*doip.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mgr == nil {
		return nil, ErrNotInitialized
	}
	conv, ok := c.conversations[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrConversationNotFound)
	}
	return conv, nil
}

// MustConversation is like Conversation but panics when name is unknown.
func (c *Client) MustConversation(name string) *doip.Conversation {
	conv, err := c.Conversation(name)
	if err != nil {
		panic(fmt.Sprintf("dcm: %v", err))
	}
	return conv
}

// ConversationNames returns the configured conversation names, sorted.
func (c *Client) ConversationNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.conversations))
	for name := range c.conversations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SendVehicleIdentificationRequest broadcasts a vehicle identification
// request and returns the vehicles collected within the discovery window.
func (c *Client) SendVehicleIdentificationRequest(
	ctx context.Context,
	req doip.VehicleInfoRequest,
) (doip.VehicleResponseResult, []doip.VehicleAddrInfo) {
	c.mu.Lock()
	vd := c.discovery
	c.mu.Unlock()

	if vd == nil {
		return doip.VehicleTransmitFailed, nil
	}
	return vd.SendVehicleIdentificationRequest(ctx, req)
}

// DeInitialize shuts down every conversation, stops discovery, and closes
// all sockets. The Client may be initialized again afterwards.
func (c *Client) DeInitialize() error {
	c.mu.Lock()
	mgr, convs, vd := c.mgr, c.conversations, c.discovery
	c.mgr, c.conversations, c.discovery = nil, nil, nil
	c.mu.Unlock()

	if mgr == nil {
		return nil
	}

	shutdownConversations(convs)
	vd.Shutdown()
	if err := mgr.Close(); err != nil {
		return fmt.Errorf("deinitialize: %w", err)
	}
	c.logger.Info("communication manager deinitialized")
	return nil
}

func shutdownConversations(convs map[string]*doip.Conversation) {
	for _, conv := range convs {
		conv.Shutdown()
	}
}
