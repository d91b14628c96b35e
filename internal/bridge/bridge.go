// Package bridge wires discovery, push ingress, commands and streams into
// one running service for a single project.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/command"
	"github.com/bavix/nestbridge/internal/config"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/poller"
	"github.com/bavix/nestbridge/internal/sdm"
	"github.com/bavix/nestbridge/internal/state"
	"github.com/bavix/nestbridge/internal/stream"
	"github.com/bavix/nestbridge/internal/token"
)

const imageCacheTTL = 10 * time.Minute

// Options configures a Bridge.
type Options struct {
	Config *config.Config
	Store  kv.Store
	Host   Host
	Clock  clock.Clock
	Logger zerolog.Logger

	// Transport is the base transport for remote calls; nil uses the default.
	Transport http.RoundTripper
	// Refresher overrides the OAuth client.
	Refresher token.Refresher
}

// Status summarizes what the service needs from the user.
type Status struct {
	Ready         bool     `json:"ready"`
	Authenticated bool     `json:"authenticated"`
	Devices       int      `json:"devices"`
	Problems      []string `json:"problems,omitempty"`
	LastSync      string   `json:"last_sync,omitempty"`
}

// Bridge owns every component of one running project.
type Bridge struct {
	log       zerolog.Logger
	clock     clock.Clock
	host      Host
	transport http.RoundTripper
	custom    bool

	tokens   *token.Store
	client   *sdm.Client
	registry *device.Registry
	states   *state.Reconciler
	commands *command.Coalescer
	streams  *stream.Manager
	poll     *poller.Poller[[]sdm.Device]

	imgMu      sync.Mutex
	images     *lru.LRU[string, Image]
	lastImages map[string]Image

	cfgMu sync.RWMutex
	cfg   *config.Config
	oauth *oauth2.Config

	ready      atomic.Bool
	rediscover chan struct{}
}

// New builds a Bridge. Background flushes run under ctx.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, customerrors.ErrConfigCannotBeNil
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Host == nil {
		opts.Host = LogHost{Log: opts.Logger}
	}

	if opts.Store == nil {
		opts.Store = kv.NewMemoryStore()
	}

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	cfg := opts.Config

	b := &Bridge{
		log:        opts.Logger,
		clock:      opts.Clock,
		host:       opts.Host,
		transport:  base,
		custom:     opts.Refresher != nil,
		cfg:        cfg,
		oauth:      token.NewOAuth2Config(cfg),
		lastImages: make(map[string]Image),
		rediscover: make(chan struct{}, 1),
	}

	refresher := opts.Refresher
	if refresher == nil {
		refresher = b.newRefresher(b.oauth)
	}

	b.tokens = token.NewStore(opts.Store, refresher, token.Options{
		Clock:  opts.Clock,
		Skew:   cfg.Sync.TokenSkew,
		Logger: opts.Logger,
	})

	clientOpts := sdm.OptionsFromConfig(cfg, opts.Logger)
	clientOpts.Transport = base
	b.client = sdm.NewClient(b.tokens, clientOpts)

	b.registry = device.NewRegistry(opts.Clock)

	b.states = state.New(b.registry, sdm.Deriver{}, state.PublisherFunc(b.host.StateChanged), state.Options{
		Clock:      opts.Clock,
		ResetAfter: cfg.Events.ResetAfter,
		MediaTTL:   cfg.Events.MediaTTL,
		Logger:     opts.Logger,
	})

	b.poll = poller.New(b.client.ListDevices, poller.Options{
		Clock:    opts.Clock,
		Interval: cfg.Sync.PollInterval,
		Backoff:  cfg.Sync.DiscoveryBackoff,
		Logger:   opts.Logger,
	})

	b.commands = command.New(ctx, b.registry, sdm.Profile{}, b.client, b.reconcile, command.Options{
		Clock:    opts.Clock,
		Debounce: cfg.Commands.Debounce,
		MaxDefer: cfg.Commands.MaxDefer,
		Logger:   opts.Logger,
	})

	b.streams = stream.NewManager(sdm.NewStreamAPI(b.client), b.registry, sdm.Transports, opts.Clock, opts.Logger)

	b.images = lru.NewLRU[string, Image](max(cfg.Events.ImageCacheSize, 1), nil, imageCacheTTL)

	return b, nil
}

func (b *Bridge) newRefresher(oc *oauth2.Config) token.Refresher {
	b.cfgMu.RLock()
	timeout := b.cfg.API.Timeout
	b.cfgMu.RUnlock()

	return token.NewOAuth2Refresher(oc, &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(b.transport),
	})
}

// Run discovers devices, then refreshes them at the poll interval and
// whenever a rediscovery is requested. It returns when ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Discover(ctx); err != nil {
		return err
	}

	for {
		b.cfgMu.RLock()
		interval := b.cfg.Sync.PollInterval
		b.cfgMu.RUnlock()

		var fresh bool

		select {
		case <-ctx.Done():
			return nil
		case <-b.rediscover:
			fresh = true
		case <-b.clock.After(interval):
		}

		if err := b.Refresh(ctx, fresh); err != nil && ctx.Err() == nil {
			b.log.Warn().Err(err).Msg("device refresh failed")
		}
	}
}

// Discover blocks until the first device list is fetched and applied.
func (b *Bridge) Discover(ctx context.Context) error {
	devices, err := b.poll.PollUntil(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		return err
	}

	return b.apply(ctx, devices)
}

// Refresh fetches the device list, through the throttle window unless fresh.
func (b *Bridge) Refresh(ctx context.Context, fresh bool) error {
	fetch := b.poll.Poll
	if fresh {
		fetch = b.poll.Fresh
	}

	devices, err := fetch(ctx)
	if err != nil {
		return err
	}

	return b.apply(ctx, devices)
}

// RequestRediscovery schedules a network refresh on the run loop.
func (b *Bridge) RequestRediscovery() {
	select {
	case b.rediscover <- struct{}{}:
	default:
	}
}

func (b *Bridge) apply(ctx context.Context, devices []sdm.Device) error {
	entries := make([]device.Entry, 0, len(devices))
	traits := make(map[string]device.Traits, len(devices))

	for _, d := range devices {
		e, ok := d.Entry()
		if !ok {
			b.log.Debug().Str("type", d.Type).Str("device_id", d.ID()).Msg("skipping unsupported device type")

			continue
		}

		entries = append(entries, e)
		traits[e.ID] = d.Traits
	}

	diff := b.registry.Sync(entries)

	for _, id := range diff.Missing {
		b.streams.Forget(id)
		b.states.Forget(id)
	}

	manifest := b.registry.Manifest()

	if diff.Changed() {
		if err := b.host.DevicesChanged(ctx, manifest); err != nil {
			b.log.Error().Err(err).Msg("host rejected device set")
		}
	}

	ids := make([]string, 0, len(traits))
	for id := range traits {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		if err := b.states.ApplySnapshot(id, traits[id]); err != nil {
			b.log.Warn().Err(err).Str("device_id", id).Msg("snapshot not applied")
		}
	}

	metrics.M.DevicesKnown.Set(float64(len(manifest.Devices)))

	if !b.ready.Swap(true) {
		metrics.SetReady(true)
		b.log.Info().Int("devices", len(manifest.Devices)).Msg("devices discovered")
	}

	return nil
}

// reconcile pulls fresh state after a command flush.
func (b *Bridge) reconcile(ctx context.Context, deviceID string) {
	if err := b.Refresh(ctx, true); err != nil {
		b.log.Warn().Err(err).Str("device_id", deviceID).Msg("post-command refresh failed")
	}
}

// ApplyUpdate merges a push update. Updates for unknown devices trigger a
// rediscovery and are dropped.
func (b *Bridge) ApplyUpdate(_ context.Context, u sdm.ResourceUpdate) error {
	id := sdm.DeviceID(u.Name)

	if !b.registry.Present(id) {
		b.RequestRediscovery()

		return customerrors.ErrDeviceNotFoundWithID(id)
	}

	if len(u.Traits) > 0 {
		if err := b.states.ApplyDelta(id, u.Traits); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(u.Events))
	for name := range u.Events {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		kind, ok := sdm.EventKind(name)
		if !ok {
			b.log.Debug().Str("device_id", id).Str("event", name).Msg("ignoring unknown event")

			continue
		}

		ref := u.Events[name]
		if err := b.states.ApplyEvent(id, state.Event{Kind: kind, ID: ref.EventID}); err != nil {
			return err
		}

		b.host.DeviceEvent(id, kind, ref)
	}

	return nil
}

// Manifest lists present devices.
func (b *Bridge) Manifest() device.Manifest { return b.registry.Manifest() }

// Snapshot returns the state of one present device.
func (b *Bridge) Snapshot(id string) (state.Snapshot, error) {
	if !b.registry.Present(id) {
		return state.Snapshot{}, customerrors.ErrDeviceNotFoundWithID(id)
	}

	return b.states.Snapshot(id)
}

// Snapshots returns the state of every present device.
func (b *Bridge) Snapshots() []state.Snapshot {
	ids := b.registry.Manifest().IDs()
	out := make([]state.Snapshot, 0, len(ids))

	for _, id := range ids {
		if s, err := b.states.Snapshot(id); err == nil {
			out = append(out, s)
		}
	}

	return out
}

// AuthURL returns the consent page with offline access and forced consent.
func (b *Bridge) AuthURL(st string) string {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()

	return token.AuthCodeURL(b.oauth, st)
}

// CompleteLogin exchanges an authorization code and starts a rediscovery.
func (b *Bridge) CompleteLogin(ctx context.Context, code string) error {
	if _, err := b.tokens.Exchange(ctx, code); err != nil {
		return err
	}

	b.poll.Invalidate()
	b.RequestRediscovery()
	b.log.Info().Msg("login completed")

	return nil
}

// Reconfigure applies a changed config: the OAuth client and project are
// rebuilt, the held token is reloaded from storage and devices rediscovered.
// Timer settings apply to new components only.
func (b *Bridge) Reconfigure(cfg *config.Config) {
	oc := token.NewOAuth2Config(cfg)

	b.cfgMu.Lock()
	b.cfg = cfg
	b.oauth = oc
	b.cfgMu.Unlock()

	if !b.custom {
		b.tokens.SetRefresher(b.newRefresher(oc))
	}

	b.tokens.Reset()
	b.client.SetBaseURL(cfg.APIBaseURL())
	b.poll.Invalidate()
	b.RequestRediscovery()

	b.log.Info().Str("project_id", cfg.ProjectID).Msg("configuration applied")
}

// Status reports readiness and configuration problems.
func (b *Bridge) Status(ctx context.Context) Status {
	b.cfgMu.RLock()
	problems := b.cfg.Problems()
	b.cfgMu.RUnlock()

	_, authenticated := b.tokens.Peek(ctx)
	if !authenticated {
		problems = append(problems, customerrors.ErrUnauthenticated.Error())
	}

	st := Status{
		Ready:         b.ready.Load(),
		Authenticated: authenticated,
		Devices:       len(b.registry.Manifest().Devices),
		Problems:      problems,
	}

	if _, at, ok := b.poll.Last(); ok {
		st.LastSync = at.UTC().Format(time.RFC3339)
	}

	return st
}

// Tokens exposes the credential store to the CLI.
func (b *Bridge) Tokens() *token.Store { return b.tokens }
