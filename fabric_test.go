package ferry

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/format"
	"github.com/raskyld/ferry/pkg/kind"
	"github.com/stretchr/testify/require"
)

func TestFabric(t *testing.T) {
	ctx := testCtx(t)
	pki := newTestPKI(t)

	core1 := newTestCore(t)
	Register(core1, kind.String, constant("ferry"))
	Register(core1, greetKind, constant[kind.Func[greetArgs, string]](greet))

	core2 := newTestCore(t)
	Register(core2, kind.Int, constant(42))

	fbNode1, err := Create(core1,
		WithNodeName("node1"),
		WithListenOn("127.0.0.1", 7101),
		WithLog(testLogHandler("node1")),
		WithTlsConfig(pki.tlsConfig(t, "node1")),
		WithNeighbours([]string{"127.0.0.1:7201"}),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	)
	if err != nil {
		t.Fatalf("failed to start node1: %s", err)
		return
	}
	t.Cleanup(func() { _ = fbNode1.Shutdown() })

	fbNode2, err := Create(core2,
		WithNodeName("node2"),
		WithListenOn("127.0.0.1", 7201),
		WithLog(testLogHandler("node2")),
		WithTlsConfig(pki.tlsConfig(t, "node2")),
		WithFormat(format.Json),
		WithMetricSink(nil),
	)
	if err != nil {
		t.Fatalf("failed to start node2: %s", err)
		return
	}
	t.Cleanup(func() { _ = fbNode2.Shutdown() })

	t.Run("when node1 join node2, node2 can see node1 info", func(t *testing.T) {
		require.NoError(t, fbNode1.JoinCluster())
		require.Eventually(t, func() bool {
			for _, mem := range fbNode2.Members() {
				if mem.Name == "node1" && mem.Capabilities == 2 {
					return true
				}
			}
			return false
		}, 10*time.Second, 100*time.Millisecond)
	})

	t.Run("node2 dials node1", func(t *testing.T) {
		h := fbNode2.Dial(fbNode1.LocalAddr())
		require.Equal(t, format.Json, h.Format())

		got, _, err := Acquire(ctx, h, kind.String)
		require.NoError(t, err)
		require.Equal(t, "ferry", got)

		remote, release, err := Acquire(ctx, h, greetKind)
		require.NoError(t, err)
		defer release.Close()
		res, err := remote(ctx, kind.Pack2(3, "x"))
		require.NoError(t, err)
		require.Equal(t, "3x", res)

		_, _, err = Acquire(ctx, h, kind.Int)
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("acquisitions are routed to the peer offering them", func(t *testing.T) {
		var got int
		require.Eventually(t, func() bool {
			var err error
			got, _, err = Acquire(ctx, fbNode1.Handle(), kind.Int)
			return err == nil
		}, 10*time.Second, 100*time.Millisecond)
		require.Equal(t, 42, got)

		local, _, err := Acquire(ctx, fbNode1.Handle(), kind.String)
		require.NoError(t, err)
		require.Equal(t, "ferry", local)

		_, _, err = Acquire(ctx, fbNode1.Handle(), kind.Bytes)
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("late registrations are gossiped", func(t *testing.T) {
		Register(core2, kind.Float64, constant(2.5))

		var got float64
		require.Eventually(t, func() bool {
			var err error
			got, _, err = Acquire(ctx, fbNode1.Handle(), kind.Float64)
			return err == nil
		}, 10*time.Second, 100*time.Millisecond)
		require.Equal(t, 2.5, got)
	})

	t.Run("values served to peers outlive their acquisition context", func(t *testing.T) {
		alive := kind.FuncOf(kind.Shared, kind.NoArgs(), kind.Bool)
		Register(core1, alive, func(ctx context.Context) (kind.Func[kind.Nil, bool], error) {
			return func(context.Context, kind.Nil) (bool, error) {
				return ctx.Err() == nil, nil
			}, nil
		})

		acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		remote, release, err := Acquire(acquireCtx, fbNode2.Dial(fbNode1.LocalAddr()), alive)
		cancel()
		require.NoError(t, err)
		defer release.Close()

		ok, err := remote(ctx, kind.Nil{})
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("handles cross the fabric", func(t *testing.T) {
		Register(core1, HandleKind(), constant(core1.Handle()))

		relay, release, err := Acquire(ctx, fbNode2.Dial(fbNode1.LocalAddr()), HandleKind())
		require.NoError(t, err)
		defer release.Close()

		got, _, err := Acquire(ctx, relay, kind.String)
		require.NoError(t, err)
		require.Equal(t, "ferry", got)
	})

	t.Run("shutdown fabric refuses acquisitions", func(t *testing.T) {
		require.NoError(t, fbNode2.Shutdown())
		_, _, err := Acquire(ctx, fbNode2.Dial(fbNode1.LocalAddr()), kind.String)
		require.ErrorIs(t, err, ErrFabricClosed)
		require.ErrorIs(t, fbNode2.JoinCluster(), ErrFabricClosed)
	})
}

func TestCreateRequiresTLS(t *testing.T) {
	core := newTestCore(t)
	_, err := Create(core, WithListenOn("127.0.0.1", 7301))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(core, WithListenOn("127.0.0.1", 70000))
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestClusterAcquirerPrefersLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	core := newTestCore(t)
	Register(core, kind.String, constant("local"))
	fb := &Fabric{
		config: newConfig(),
		core:   core,
		dir:    newCapDirectory(core.logger, "local"),
	}
	fb.config.logHandler = testLogHandler("fabric")
	fb.config.msink = &metrics.BlackholeSink{}

	got, _, err := Acquire(ctx, NewHandle(clusterAcquirer{fb: fb}, nil), kind.String)
	require.NoError(t, err)
	require.Equal(t, "local", got)

	_, _, err = Acquire(ctx, NewHandle(clusterAcquirer{fb: fb}, nil), kind.Int)
	require.ErrorIs(t, err, ErrUnavailable)
}
