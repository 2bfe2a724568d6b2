package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// localTrack is the outbound track surface LocalMedia writes to.
type localTrack interface {
	webrtc.TrackLocal
	WriteRTP(p *rtp.Packet) error
}

// LocalMedia is the shared camera/microphone equivalent: one set of
// outbound tracks attached by reference to every peer link, so a mute
// toggle affects all sessions at once. Construction failure stands in
// for a permission denial and must be surfaced, never retried.
type LocalMedia struct {
	mu     sync.Mutex
	audio  localTrack
	video  localTrack
	muted  bool
	videoE bool
}

func NewLocalMedia(streamID string, withVideo bool) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}

	m := &LocalMedia{audio: audio}
	if withVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		m.video = video
		m.videoE = true
	}
	return m, nil
}

// Tracks returns the outbound tracks to attach to a peer connection.
// The same track instances are shared across all links.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

func (m *LocalMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *LocalMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoE = enabled && m.video != nil
}

func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoE
}

// WriteAudio forwards one RTP packet to every attached session. Muted
// media drops packets here, at the single shared source, rather than
// per session.
func (m *LocalMedia) WriteAudio(p *rtp.Packet) error {
	m.mu.Lock()
	muted := m.muted
	track := m.audio
	m.mu.Unlock()
	if muted {
		return nil
	}
	return track.WriteRTP(p)
}

// WriteVideo forwards one video RTP packet, dropped while video is off.
func (m *LocalMedia) WriteVideo(p *rtp.Packet) error {
	m.mu.Lock()
	enabled := m.videoE
	track := m.video
	m.mu.Unlock()
	if !enabled || track == nil {
		return nil
	}
	return track.WriteRTP(p)
}
