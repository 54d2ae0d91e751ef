package node

import (
	"context"

	"prenet/internal/debuglog"
)

// learnOnce runs one learning round: pick a teacher, pull its best peers,
// announce ourselves back so knowledge flows both ways.
func (n *Node) learnOnce(ctx context.Context) {
	teacher, ok := n.dir.SelectTeacher()
	if !ok {
		// Nobody verified yet; retry the seeds and lift what we already hold.
		n.bootstrap(ctx)
		n.dir.RevalidateStale(ctx)
		n.updateGauges()
		return
	}
	merged, err := n.dir.LearnFrom(ctx, teacher, n.client, n.cfg.Network.ExchangeSize)
	if err != nil {
		debuglog.Logf("learning from %s: %v", teacher.Meta.NetAddr(), err)
		return
	}
	n.metrics.LearnRounds.Inc()
	n.metrics.PeersLearned.Add(float64(merged))

	remote, err := n.client.AnnounceMetadata(ctx, teacher.Meta, n.currentMeta())
	if err != nil {
		debuglog.Debugf("announce to %s: %v", teacher.Meta.NetAddr(), err)
	} else if _, err := n.dir.Remember(ctx, remote); err != nil {
		debuglog.Debugf("teacher %s reannounce: %v", teacher.Meta.NetAddr(), err)
	}
	n.updateGauges()
}
