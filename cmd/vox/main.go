// Command vox is a terminal voice-chat client: it connects to a relay, joins
// the voice room, streams the microphone, plays back every speaker, and
// offers chat and presence on stdin/stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"vox/internal/audio"
	"vox/internal/client"
	"vox/internal/client/config"
	"vox/internal/playout"
	"vox/protocol"
)

func main() {
	cfg := config.Load()

	serverAddr := flag.String("server", cfg.ServerAddr, "control address (TCP)")
	voiceAddr := flag.String("voice", cfg.VoiceAddr, "voice address (UDP)")
	name := flag.String("name", cfg.Username, "display name")
	inputDev := flag.Int("input", cfg.InputDeviceID, "input device id (-1 = default)")
	outputDev := flag.Int("output", cfg.OutputDeviceID, "output device id (-1 = default)")
	listDevices := flag.Bool("devices", false, "list audio devices and exit")
	flag.Parse()

	if err := audio.Initialize(); err != nil {
		log.Fatalf("[audio] init: %v", err)
	}
	defer audio.Terminate()

	if *listDevices {
		fmt.Println("input devices:")
		for _, d := range audio.ListInputDevices() {
			fmt.Printf("  %3d  %s\n", d.ID, d.Name)
		}
		fmt.Println("output devices:")
		for _, d := range audio.ListOutputDevices() {
			fmt.Printf("  %3d  %s\n", d.ID, d.Name)
		}
		return
	}

	if *name == "" {
		log.Fatal("a display name is required (-name)")
	}

	// Playback comes up first: speaker pipelines are built against the
	// output device rate. The mixer indirects through a holder because the
	// session does not exist yet when the write loop starts.
	var (
		mixMu sync.Mutex
		mixer audio.Mixer
	)
	playback, err := audio.StartPlayback(audio.PlaybackConfig{DeviceID: *outputDev}, func(out []float32) bool {
		mixMu.Lock()
		m := mixer
		mixMu.Unlock()
		if m == nil {
			return false
		}
		return m(out)
	})
	if err != nil {
		log.Fatalf("[audio] %v", err)
	}
	defer playback.Stop()
	playbackRate := playback.DeviceRate()

	factory := func(userID uint64) (client.SpeakerPipeline, error) {
		dec, err := audio.NewDecoder()
		if err != nil {
			return nil, err
		}
		return playout.New(dec, playbackRate)
	}

	session, err := client.Connect(*serverAddr, *voiceAddr, *name, factory)
	if err != nil {
		log.Fatalf("[session] %v", err)
	}
	defer session.Close()

	mixMu.Lock()
	mixer = session.MixOutput
	mixMu.Unlock()

	// Apply saved per-user volumes.
	for _, p := range session.Participants() {
		session.SetUserVolume(p.UserID, cfg.UserVolume(p.UserID))
	}

	capture, err := audio.StartCapture(audio.CaptureConfig{
		DeviceID:    *inputDev,
		Sensitivity: cfg.InputSensitivity,
	}, session.VoiceIn())
	if err != nil {
		log.Fatalf("[audio] %v", err)
	}
	defer capture.Stop()

	// Remember working settings for next time.
	cfg.ServerAddr = *serverAddr
	cfg.VoiceAddr = *voiceAddr
	cfg.Username = *name
	cfg.InputDeviceID = *inputDev
	cfg.OutputDeviceID = *outputDev
	if err := config.Save(cfg); err != nil {
		log.Printf("[config] save: %v", err)
	}

	fmt.Printf("connected as %s (id %d). /join /leave /mute /unmute /ping /stats /quit, anything else is chat\n",
		*name, session.UserID())
	for _, p := range session.Participants() {
		fmt.Printf("  present: %s%s\n", p.Username, voiceTag(p.InVoice))
	}

	go printEvents(session)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/join":
			report(session.JoinVoice())
		case line == "/leave":
			report(session.LeaveVoice())
		case line == "/mute":
			capture.SetMuted(true)
			report(session.SendMute(true))
		case line == "/unmute":
			capture.SetMuted(false)
			report(session.SendMute(false))
		case line == "/ping":
			if rtt, err := session.Ping(); err != nil {
				fmt.Printf("ping failed: %v\n", err)
			} else {
				fmt.Printf("rtt %v\n", rtt)
			}
		case line == "/stats":
			m := session.Metrics()
			fmt.Printf("rtt %.1fms loss %.1f%% jitter %.1fms quality %s dropped %d\n",
				m.RTTMs, m.PacketLoss*100, m.JitterMs, m.Quality, capture.Dropped())
		default:
			report(session.SendChat(line))
		}
		select {
		case <-session.Done():
			fmt.Println("disconnected")
			return
		default:
		}
	}
}

func report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func voiceTag(inVoice bool) string {
	if inVoice {
		return " [voice]"
	}
	return ""
}

// printEvents renders the presence and chat feed.
func printEvents(s *client.Session) {
	for pkt := range s.Events() {
		switch p := pkt.(type) {
		case protocol.UserJoinedServer:
			fmt.Printf("* %s joined the server\n", p.Participant.Username)
		case protocol.UserLeftServer:
			fmt.Printf("* user %d left the server\n", p.UserID)
		case protocol.UserJoinedVoice:
			fmt.Printf("* user %d joined voice\n", p.UserID)
		case protocol.UserLeftVoice:
			fmt.Printf("* user %d left voice\n", p.UserID)
		case protocol.UserSentMessage:
			fmt.Printf("<%s> %s\n", p.Username, p.Message)
		case protocol.UserMuteState:
			state := "unmuted"
			if p.Muted {
				state = "muted"
			}
			fmt.Printf("* user %d %s\n", p.UserID, state)
		}
	}
}
