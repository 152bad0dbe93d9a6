package tts_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

func TestDecodeClip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "plain", in: "UklGRg==", want: "RIFF"},
		{name: "data uri", in: "data:audio/wav;base64,UklGRg==", want: "RIFF"},
		{name: "padded whitespace", in: "  UklGRg==\n", want: "RIFF"},
		{name: "empty", in: "", wantErr: tts.ErrEmptyClip},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tts.DecodeClip(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeClip() error: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("DecodeClip() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeClip_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := tts.DecodeClip("not base64!"); err == nil {
		t.Fatal("DecodeClip() with invalid input should fail")
	}
}
