/*
Package patchbay is a real-time media routing daemon: processing units are
nodes of a graph, links connect their ports, and the daemon negotiates a
format and a buffer set for every link before data starts to flow.

# Concept

A graph is split into driver groups. Each group has one driver whose clock
starts a cycle; the cycle walks the group through activation records so every
node runs once its inputs are ready. Link negotiation, buffer allocation and
group recalculation run on the control loop; cycles run on data loops and
never block on the control side.

The Daemon wraps the internal runtime: it builds the graph from a
config.Config, serialises every public operation onto the control loop,
exposes the graph through the ports.Controller interface and publishes
snapshots to a ports.SnapshotStore.

# Usage

	cfg, err := config.Load("patchbay.yaml")
	if err != nil {
		log.Fatal(err)
	}
	d, err := patchbay.New(cfg, patchbay.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Fatal(err)
	}

Links can be added and removed while the daemon runs:

	link, err := d.Connect(ctx, domain.LinkRequest{Output: "mic:capture", Input: "recorder:0"})
*/
package patchbay
