package tts

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tone synthesis parameters. Chime tones are generated in-process as 16-bit
// mono PCM so they work even when the synthesis backend is down.
const (
	toneSampleRate = 22050
	toneAmplitude  = 0.35
)

// minWAVSize is the smallest byte count a generated file may have and still
// be a playable WAV: the 44-byte RIFF/fmt/data header.
const minWAVSize = 44

// synthesizeTone renders a sine wave of the given frequency and duration as
// a complete WAV file image.
func synthesizeTone(freqHz float64, durMs int) []byte {
	n := toneSampleRate * durMs / 1000
	if n < 1 {
		n = 1
	}
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		// Short fade at both ends avoids clicks.
		env := 1.0
		fade := toneSampleRate / 200 // 5ms
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		s := toneAmplitude * env * math.Sin(2*math.Pi*freqHz*float64(i)/toneSampleRate)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(s*math.MaxInt16)))
	}
	return wrapWAV(pcm)
}

// wrapWAV prefixes raw 16-bit mono PCM with a RIFF header.
func wrapWAV(pcm []byte) []byte {
	buf := make([]byte, 0, minWAVSize+len(pcm))
	u32 := func(v uint32) []byte {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return b[:]
	}
	u16 := func(v uint16) []byte {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		return b[:]
	}

	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(uint32(36+len(pcm)))...)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(1)...) // mono
	buf = append(buf, u32(toneSampleRate)...)
	buf = append(buf, u32(toneSampleRate*2)...) // byte rate
	buf = append(buf, u16(2)...)                // block align
	buf = append(buf, u16(16)...)               // bits per sample

	buf = append(buf, "data"...)
	buf = append(buf, u32(uint32(len(pcm)))...)
	buf = append(buf, pcm...)
	return buf
}

// validWAV reports whether a generated file of the given size can possibly
// be playable, and an error string in the shape the failure log expects.
func validWAV(size int64) (bool, string) {
	if size < minWAVSize {
		return false, fmt.Sprintf("invalid WAV (%d bytes)", size)
	}
	return true, ""
}
