package runtime_test

import (
	"testing"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/stretchr/testify/require"
)

// The graphs below never start their loops, so every invoke runs inline and
// each graph operation completes before it returns.

func audioFormat(rate any) map[string]any {
	f := generic.DefaultFormat()
	f["audio.rate"] = rate
	return f
}

func newPlugin(t *testing.T, cfg generic.Config, opts ...generic.Option) *generic.Plugin {
	t.Helper()
	p, err := generic.New(cfg, opts...)
	require.NoError(t, err)
	return p
}

func addNode(t *testing.T, g *runtime.Graph, name string, p *generic.Plugin, opts ...runtime.NodeOption) *runtime.Node {
	t.Helper()
	n, err := g.AddNode(name, p, opts...)
	require.NoError(t, err)
	return n
}

func connect(t *testing.T, g *runtime.Graph, out, in *runtime.Node, opts ...runtime.LinkOption) *runtime.Link {
	t.Helper()
	l, err := g.Connect(runtime.PortRef{Node: out.ID()}, runtime.PortRef{Node: in.ID()}, opts...)
	require.NoError(t, err)
	return l
}

// pair builds an active driver source feeding an active sink.
func pair(t *testing.T, g *runtime.Graph, srcCfg, sinkCfg generic.Config, sinkOpts ...runtime.NodeOption) (*runtime.Node, *runtime.Node, *runtime.Link) {
	t.Helper()
	srcCfg.Role, sinkCfg.Role = "source", "sink"
	x := addNode(t, g, "x", newPlugin(t, srcCfg), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, sinkCfg), append([]runtime.NodeOption{runtime.WithActive(true)}, sinkOpts...)...)
	return x, y, connect(t, g, x, y)
}

func port(t *testing.T, n *runtime.Node, dir domain.Direction) *runtime.Port {
	t.Helper()
	p, err := n.Port(dir, 0)
	require.NoError(t, err)
	return p
}
