package metrics

import "testing"

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.PeersKnown.Set(7)
	m.LearnRounds.Inc()
	m.LearnRounds.Inc()
	m.ReencryptRefusals.WithLabelValues("arrangement_expired").Inc()

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap["prenet_peers_known"] != 7 {
		t.Fatalf("peers_known = %v", snap["prenet_peers_known"])
	}
	if snap["prenet_learn_rounds_total"] != 2 {
		t.Fatalf("learn_rounds = %v", snap["prenet_learn_rounds_total"])
	}
	if snap["prenet_reencrypt_refusals_total{code=arrangement_expired}"] != 1 {
		t.Fatalf("refusal counter missing: %v", snap)
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.GrantsPlaced.Inc()
	snapB, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapB["prenet_grants_placed_total"] != 0 {
		t.Fatalf("registries are shared: %v", snapB)
	}
}
