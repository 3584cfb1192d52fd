package ferry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/format"
	"github.com/raskyld/ferry/pkg/kind"
	"github.com/raskyld/ferry/pkg/telemetry"
)

// Fingerprint identifies a kind by content, see [kind.FingerprintOf].
type Fingerprint = kind.Fingerprint

// Capability describes a registration of a [Core].
type Capability struct {
	Fingerprint Fingerprint
	Kind        string
}

type registration struct {
	Capability
	produce func(ctx context.Context) (channel.Deconstructor, error)
}

// registry is the state shared by every view of a [Core].
type registry struct {
	lk       sync.Mutex
	tree     *iradix.Tree
	watchers []func(Capability)
}

// Core is a directory of constructible values, keyed by the fingerprint
// of their kind. Entries are added, never removed.
type Core struct {
	reg    *registry
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
}

// NewCore returns an empty core. Only the logging, metrics and format
// options are relevant to it.
func NewCore(opts ...Option) (*Core, error) {
	return newCore(&registry{tree: iradix.New()}, opts)
}

func newCore(reg *registry, opts []Option) (*Core, error) {
	cfg := newConfig()
	if err := cfg.apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return &Core{
		reg:    reg,
		cfg:    cfg,
		logger: slog.New(cfg.logHandler),
		msink:  cfg.msink,
	}, nil
}

// Share returns another view of the same registrations, configured with
// opts instead.
func (c *Core) Share(opts ...Option) (*Core, error) {
	return newCore(c.reg, opts)
}

// Register stores factory under the fingerprint of k, replacing any
// previous registration, and returns that fingerprint.
//
// factory is called once per acquisition. Its ctx is the acquisition's
// own for local acquisitions, and may end as soon as factory returned.
// Acquisitions served to peers by a [Fabric] get a ctx ending with the
// fabric.
func Register[T any](c *Core, k kind.Kind[T], factory func(ctx context.Context) (T, error)) Fingerprint {
	capa := Capability{
		Fingerprint: kind.FingerprintOf(k),
		Kind:        kind.Describe(k),
	}
	reg := &registration{
		Capability: capa,
		produce: func(ctx context.Context) (channel.Deconstructor, error) {
			v, err := factory(ctx)
			if err != nil {
				return nil, err
			}
			return kind.Deconstructor(k, v), nil
		},
	}

	c.reg.lk.Lock()
	c.reg.tree, _, _ = c.reg.tree.Insert(capa.Fingerprint[:], reg)
	watchers := c.reg.watchers
	c.reg.lk.Unlock()

	c.msink.IncrCounterWithLabels(telemetry.MetricRegisterCount, 1, c.cfg.metricLabels)
	c.logger.Debug("capability registered",
		telemetry.LabelFingerprint.L(capa.Fingerprint.String()),
		"kind", capa.Kind,
	)
	for _, watch := range watchers {
		watch(capa)
	}
	return capa.Fingerprint
}

func (c *Core) lookup(fp Fingerprint) (*registration, bool) {
	c.reg.lk.Lock()
	tree := c.reg.tree
	c.reg.lk.Unlock()

	v, ok := tree.Get(fp[:])
	if !ok {
		return nil, false
	}
	return v.(*registration), true
}

// Has tells whether something is registered under fp.
func (c *Core) Has(fp Fingerprint) bool {
	_, ok := c.lookup(fp)
	return ok
}

// Capabilities lists the registrations ordered by fingerprint.
func (c *Core) Capabilities() []Capability {
	c.reg.lk.Lock()
	tree := c.reg.tree
	c.reg.lk.Unlock()

	caps := make([]Capability, 0, tree.Len())
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		caps = append(caps, v.(*registration).Capability)
		return false
	})
	return caps
}

// watch calls fn for every later registration.
func (c *Core) watch(fn func(Capability)) {
	c.reg.lk.Lock()
	defer c.reg.lk.Unlock()
	c.reg.watchers = append(c.reg.watchers, fn)
}

// Serve produces the value registered under fp and deconstructs it on
// raw with f. The link stops once the value was fully sent and the peer
// closed its side, or when raw fails.
func (c *Core) Serve(ctx context.Context, fp Fingerprint, f format.Format, raw flow.Raw) (*format.Link, error) {
	d, err := c.produce(ctx, fp, f)
	if err != nil {
		return nil, err
	}
	return c.encode(fp, d, f, raw)
}

func (c *Core) produce(ctx context.Context, fp Fingerprint, f format.Format) (channel.Deconstructor, error) {
	reg, ok := c.lookup(fp)
	if !ok {
		c.countAcquireError(f, "unavailable")
		return nil, ErrUnavailable
	}

	d, err := reg.produce(ctx)
	if err != nil {
		c.countAcquireError(f, "factory")
		return nil, fmt.Errorf("core: factory of %s: %w", reg.Kind, err)
	}
	return d, nil
}

func (c *Core) encode(fp Fingerprint, d channel.Deconstructor, f format.Format, raw flow.Raw) (*format.Link, error) {
	logger := c.logger.With(telemetry.LabelFingerprint.L(fp.String()))
	link, err := format.Encode(d, raw, f, append(c.cfg.formatOptions(), format.WithLogger(logger))...)
	if err != nil {
		c.countAcquireError(f, "encode")
		return nil, err
	}

	c.msink.IncrCounterWithLabels(telemetry.MetricAcquireCount, 1,
		telemetry.With(c.cfg.metricLabels, telemetry.LabelFormat.M(f.Name())))
	logger.Debug("serving capability", telemetry.LabelFormat.L(f.Name()))
	return link, nil
}

func (c *Core) countAcquireError(f format.Format, reason string) {
	c.msink.IncrCounterWithLabels(telemetry.MetricAcquireErrorCount, 1,
		telemetry.With(c.cfg.metricLabels, telemetry.LabelFormat.M(f.Name()), telemetry.LabelError.M(reason)))
}

// Acquire serves the value registered under fp on one end of a local
// pipe and returns the other end.
func (c *Core) Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error) {
	local, remote := flow.NewPipe(c.cfg.bufferSize)
	if _, err := c.Serve(ctx, fp, c.cfg.format, local); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return flow.Raw{}, err
	}
	return remote, nil
}

// Handle returns a handle acquiring from this core.
func (c *Core) Handle() Handle {
	return NewHandle(c, c.cfg.format, c.cfg.formatOptions()...)
}
