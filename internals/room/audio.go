package room

import (
	"github.com/confabrtc/confab/internals/engine"
	"go.uber.org/zap"
)

type peerVolume struct {
	PeerID string `json:"peerId"`
	Volume int    `json:"volume"`
}

// wireSpeakerObservers connects the audio observers to the notification
// fan-out. Volume reports map producers back to peer ids through app data;
// the dominant speaker id is remembered so late joiners get a snapshot.
func (r *Room) wireSpeakerObservers() {
	r.audioLevelObserver.OnVolumes(func(volumes []engine.AudioLevelVolume) {
		out := make([]peerVolume, 0, len(volumes))
		for _, v := range volumes {
			peerID := v.Producer.AppData().PeerID
			if peerID == "" {
				continue
			}
			out = append(out, peerVolume{PeerID: peerID, Volume: v.Volume})
		}
		r.broadcast("speakingPeers", map[string]any{"peerVolumes": out}, "")
	})

	r.audioLevelObserver.OnSilence(func() {
		r.mu.Lock()
		r.lastActiveSpeakerID = ""
		r.mu.Unlock()

		r.broadcast("speakingPeers", map[string]any{"peerVolumes": []peerVolume{}}, "")
		r.broadcast("activeSpeaker", map[string]any{"peerId": nil}, "")
	})

	r.activeSpeakerObserver.OnDominantSpeaker(func(producer engine.Producer) {
		peerID := producer.AppData().PeerID
		if peerID == "" {
			return
		}

		r.mu.Lock()
		changed := r.lastActiveSpeakerID != peerID
		r.lastActiveSpeakerID = peerID
		r.mu.Unlock()

		if !changed {
			return
		}
		r.logger.Debug("Dominant speaker changed", zap.String("peerId", peerID))
		r.broadcast("activeSpeaker", map[string]any{"peerId": peerID}, "")
	})
}
