package audio

import "testing"

func TestEncodeWAVPCM16LE(t *testing.T) {
	pcm := make([]byte, 320)
	data, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if !IsWAV(data) {
		t.Fatalf("encoded payload missing RIFF/WAVE header")
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("encoded size = %d, want %d", len(data), 44+len(pcm))
	}
}

func TestIsWAVRejectsOtherPayloads(t *testing.T) {
	if IsWAV([]byte("not audio at all")) {
		t.Fatalf("arbitrary bytes classified as WAV")
	}
	if IsWAV(nil) {
		t.Fatalf("nil classified as WAV")
	}
}
