package consent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestStatusChanged_OneHIUMessagePerChange(t *testing.T) {
	pub := newFakePublisher()
	n := NewNotifier(pub, zerolog.Nop())

	artefacts := []*ConsentArtefact{
		{ConsentID: "c-1", Detail: ArtefactDetail{HIP: Ref{ID: "hip-1"}}},
		{ConsentID: "c-2", Detail: ArtefactDetail{HIP: Ref{ID: "hip-2"}}},
		{ConsentID: "c-3", Detail: ArtefactDetail{HIP: Ref{ID: "hip-1"}}},
	}
	if err := n.StatusChanged(context.Background(), "req-1", StatusGranted, "http://hiu.example", artefacts); err != nil {
		t.Fatalf("StatusChanged: %v", err)
	}

	hiu := pub.onChannel(ChannelToHIU)
	if len(hiu) != 1 {
		t.Fatalf("hiu messages = %d, want 1", len(hiu))
	}
	if got := hiu[0].payload.(ArtefactsMessage); len(got.ConsentArtefacts) != 3 {
		t.Errorf("hiu refs = %d, want all 3", len(got.ConsentArtefacts))
	}

	hip := pub.onChannel(ChannelToHIP)
	if len(hip) != 2 {
		t.Fatalf("hip messages = %d, want one per distinct hip", len(hip))
	}
	counts := map[string]int{}
	for _, m := range hip {
		msg := m.payload.(HIPNotificationMessage)
		counts[msg.HIPID] = len(msg.ConsentArtefacts)
	}
	if counts["hip-1"] != 2 || counts["hip-2"] != 1 {
		t.Errorf("per-hip refs = %v, want hip-1:2 hip-2:1", counts)
	}
}

func TestStatusChanged_AttemptsAllChannels(t *testing.T) {
	pub := newFakePublisher()
	bad := errors.New("route missing")
	pub.failOn[ChannelToHIU] = bad
	n := NewNotifier(pub, zerolog.Nop())

	artefacts := []*ConsentArtefact{{ConsentID: "c-1", Detail: ArtefactDetail{HIP: Ref{ID: "hip-1"}}}}
	err := n.StatusChanged(context.Background(), "req-1", StatusRevoked, "http://hiu.example", artefacts)
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want the channel failure surfaced", err)
	}
	if got := len(pub.onChannel(ChannelToHIP)); got != 1 {
		t.Errorf("hip messages despite hiu failure = %d, want 1", got)
	}
}
