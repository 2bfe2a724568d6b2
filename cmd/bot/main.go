// Command bot is a headless client: it joins a room, wanders the space
// on a fixed cadence, chats, and negotiates calls with whoever comes in
// range. Useful for soak-testing a relay with realistic traffic.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/atriumhq/atrium/internal/client"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
	"github.com/atriumhq/atrium/internal/rtc"
	"github.com/atriumhq/atrium/internal/spatial"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := pflag.NewFlagSet("bot", pflag.ExitOnError)
	url := flags.String("url", "ws://localhost:8080/api/ws", "relay websocket URL")
	name := flags.String("name", "bot", "display name")
	room := flags.String("room", "", "room to join (default room when empty)")
	interval := flags.Duration("interval", 2*time.Second, "wander interval")
	chatter := flags.Bool("chatter", false, "send a chat line on every move")
	logLevel := flags.String("log-level", "info", "zerolog level")
	_ = flags.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	media, err := rtc.NewLocalMedia(*name, false)
	if err != nil {
		log.Fatal().Err(err).Msg("media unavailable")
	}

	var c *client.Client
	sig := client.NewSignal(client.SignalOptions{
		URL: *url,
		Handler: func(env protocol.Envelope) {
			c.HandleEnvelope(env)
		},
		OnConnect: func() {
			if err := c.Join(); err != nil {
				log.Error().Err(err).Msg("join failed")
			}
		},
		OnDown: func(err error) {
			log.Error().Err(err).Msg("relay unreachable")
			cancel()
		},
	})

	c = client.New(sig, client.Options{
		Name:             *name,
		Room:             *room,
		AvatarKind:       "robot",
		Links:            rtc.NewLinkFactory(rtc.DefaultConfig()),
		Media:            media,
		AudioMaxDistance: spatial.DefaultMaxDistance,
		AudioRolloff:     spatial.DefaultRolloffFactor,
		ApplyGain: func(peer domain.UserID, gain float64) {
			log.Debug().Str("peer", string(peer)).Float64("gain", gain).Msg("gain")
		},
		OnChat: func(msg domain.ChatMessage) {
			log.Info().Str("from", msg.SenderName).Str("text", msg.Text).Msg("chat")
		},
		OnPeers: func(peers []domain.UserID) {
			log.Info().Int("connected", len(peers)).Msg("peers changed")
		},
		OnTerminal: func(peer domain.UserID) {
			log.Warn().Str("peer", string(peer)).Msg("call failed permanently")
		},
	})

	go func() {
		if err := sig.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("signal loop ended")
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	go pumpAudio(ctx, media, rng.Uint32())
	x, y := rng.Float64()*800, rng.Float64()*600
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			log.Info().Msg("bot exited")
			return
		case <-ticker.C:
			angle := rng.Float64() * 2 * math.Pi
			x = clamp(x+80*math.Cos(angle), 0, 800)
			y = clamp(y+80*math.Sin(angle), 0, 600)
			if err := c.Move(x, y); err != nil {
				log.Debug().Err(err).Msg("move not sent")
			}
			if *chatter {
				_ = c.SendChat("still wandering")
			}
		}
	}
}

// opusSilence is a single opus DTX silence frame, enough to keep the
// outbound track alive for soak testing without a real microphone.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// pumpAudio feeds the shared audio track at the opus frame cadence.
// Packets written while the bot is muted are dropped at the source.
func pumpAudio(ctx context.Context, media *rtc.LocalMedia, ssrc uint32) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			ts += 960 // 48kHz * 20ms
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    111,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           ssrc,
				},
				Payload: opusSilence,
			}
			if err := media.WriteAudio(pkt); err != nil {
				log.Debug().Err(err).Msg("audio write failed")
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
