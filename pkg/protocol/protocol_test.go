package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/protocol/pb"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := protocol.Encode(protocol.EvtChannelRenamed, pb.ChannelRenamedEvent{ID: 7, Name: "dev"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := `{"event":"channel_renamed","data":{"id":7,"name":"dev"}}`; string(frame) != want {
		t.Fatalf("Encode: expected %s, got %s", want, frame)
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got pb.ChannelRenamedEvent
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if diff := cmp.Diff(pb.ChannelRenamedEvent{ID: 7, Name: "dev"}, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	frame, err := protocol.Encode(protocol.CmdLeaveVoice, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(frame) != `{"event":"leave_voice"}` {
		t.Fatalf("Encode: unexpected %s", frame)
	}
}

func TestDecodeErrors(t *testing.T) {
	tcases := map[string]struct {
		frame   string
		wantErr error
	}{
		"not_json":   {frame: "hello"},
		"no_event":   {frame: `{"data":1}`, wantErr: protocol.ErrEmptyEvent},
		"too_large":  {frame: `{"event":"x","data":"` + strings.Repeat("a", protocol.MaxFrameSize) + `"}`},
		"array_root": {frame: `[1,2]`},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tc.frame))
			if err == nil {
				t.Fatalf("Decode: expected error, got nil")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Decode: expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestIDUnmarshal(t *testing.T) {
	tcases := map[string]struct {
		in      string
		want    pb.ID
		wantErr bool
	}{
		"number":       {in: `42`, want: 42},
		"string":       {in: `"42"`, want: 42},
		"padded":       {in: `" 42 "`, want: 42},
		"null":         {in: `null`, want: 0},
		"empty_string": {in: `""`, want: 0},
		"float":        {in: `4.2`, wantErr: true},
		"word":         {in: `"abc"`, wantErr: true},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			var got pb.ID
			err := json.Unmarshal([]byte(tc.in), &got)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%s): expected error, got %d", tc.in, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("Unmarshal(%s) = (%d, %v), want %d", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestLoginRequestForms(t *testing.T) {
	for _, in := range []string{`"alice"`, `{"username":"alice"}`} {
		env := &protocol.Envelope{Event: protocol.CmdLogin, Data: json.RawMessage(in)}
		var req pb.LoginRequest
		if err := env.DecodeData(&req); err != nil {
			t.Fatalf("DecodeData(%s): %v", in, err)
		}
		if req.Username != "alice" {
			t.Fatalf("DecodeData(%s): expected alice, got %q", in, req.Username)
		}
	}
}

func TestInviteCodeText(t *testing.T) {
	for in, want := range map[string]pb.Text{`{"inviteCode":"999999"}`: "999999", `{"inviteCode":999999}`: "999999"} {
		var req pb.JoinServerRequest
		if err := json.Unmarshal([]byte(in), &req); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if req.InviteCode != want {
			t.Fatalf("Unmarshal(%s): expected %q, got %q", in, want, req.InviteCode)
		}
	}
}
