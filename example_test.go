package patchbay_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
)

// ExampleNew builds a two-node graph and links it at runtime.
func ExampleNew() {
	cfg := config.Default()
	cfg.Nodes = []config.NodeConfig{
		{Name: "tone", Plugin: "generic", Driver: true, Props: map[string]any{"role": "source"}},
		{Name: "speaker", Plugin: "generic", Props: map[string]any{"role": "sink"}},
	}

	d, err := patchbay.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	link, err := d.Connect(ctx, domain.LinkRequest{Output: "tone:out", Input: "speaker:in"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(link.State)

	snap, err := d.Snapshot(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, n := range snap.Nodes {
		fmt.Printf("%s running=%v\n", n.Name, n.Running)
	}
	// Output:
	// active
	// tone running=true
	// speaker running=true
}
