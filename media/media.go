// Package media moves G.711 audio between the bridge and the PBX over RTP.
package media

import (
	"bytes"
	"net"
	"strconv"
	"time"
)

// Framing used on the PBX leg: 8 kHz mono μ-law in 20 ms packets.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSize     = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	SilenceByte   = 0x7F
	PayloadPCMU   = 0
)

// Target describes the remote RTP endpoint of a call.
type Target struct {
	Host string
	Port int
}

// String returns host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Valid reports whether the target carries a usable address.
func (t Target) Valid() bool {
	return t.Host != "" && t.Port > 0
}

// Sink receives inbound audio payloads as they arrive.
type Sink func(payload []byte)

// Silence returns whole frames of silence covering at least d.
func Silence(d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	frames := int((d + FrameDuration - 1) / FrameDuration)
	return bytes.Repeat([]byte{SilenceByte}, frames*FrameSize)
}

// IsSilence reports whether p consists only of the silence byte.
func IsSilence(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	for _, b := range p {
		if b != SilenceByte {
			return false
		}
	}
	return true
}
