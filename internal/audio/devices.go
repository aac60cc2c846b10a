package audio

import (
	"fmt"
	"log"

	"github.com/gordonklaus/portaudio"
)

// Device describes an available audio device.
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Initialize starts the PortAudio runtime. Call once at program start;
// pair with Terminate.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate shuts the PortAudio runtime down.
func Terminate() {
	if err := portaudio.Terminate(); err != nil {
		log.Printf("[audio] terminate: %v", err)
	}
}

// ListInputDevices returns available capture devices.
func ListInputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available playback devices.
func ListOutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// resolveDevice returns the device at idx if valid, otherwise falls back to
// the given default lookup.
func resolveDevice(idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}
