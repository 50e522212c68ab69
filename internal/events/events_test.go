package events

import (
	"encoding/json"
	"testing"
)

func TestChannel_NameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ch   Channel
		wire string
	}{
		{"room", RoomChannel(42), "chat:room:42"},
		{"user", UserChannel(7), "chat:user:7"},
		{"presence", PresenceChannel(1), "chat:presence:1"},
		{"typing", TypingChannel(9000), "chat:typing:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ch.Name(); got != tt.wire {
				t.Errorf("Name() = %q, want %q", got, tt.wire)
			}
			parsed, ok := ParseChannel(tt.wire)
			if !ok {
				t.Fatalf("ParseChannel(%q) not ok", tt.wire)
			}
			if parsed != tt.ch {
				t.Errorf("ParseChannel(%q) = %+v, want %+v", tt.wire, parsed, tt.ch)
			}
		})
	}
}

func TestParseChannel_Invalid(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"empty", ""},
		{"wrong prefix", "events:room:1"},
		{"unknown kind", "chat:webinar:1"},
		{"missing id", "chat:room"},
		{"non-numeric id", "chat:room:abc"},
		{"extra segment", "chat:room:1:extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ParseChannel(tt.wire); ok {
				t.Errorf("ParseChannel(%q) ok = true, want false", tt.wire)
			}
		})
	}
}

func TestEncode_Envelope(t *testing.T) {
	ev := ParticipantJoined{RoomID: 3, UserID: 5, Role: "member", DisplayName: "alice"}
	raw, err := Encode(RoomChannel(3), ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Type != "participant.joined" {
		t.Errorf("Type = %q, want participant.joined", env.Type)
	}
	if env.Channel != "chat:room:3" {
		t.Errorf("Channel = %q, want chat:room:3", env.Channel)
	}
	if env.Origin != 0 {
		t.Errorf("Origin = %d, want 0 for non-typing event", env.Origin)
	}

	var decoded ParticipantJoined
	if err := json.Unmarshal(env.Data, &decoded); err != nil {
		t.Fatalf("Unmarshal data: %v", err)
	}
	if decoded != ev {
		t.Errorf("decoded = %+v, want %+v", decoded, ev)
	}
}

func TestEncode_TypingCarriesOrigin(t *testing.T) {
	ev := TypingChanged{RoomID: 3, UserID: 5, DisplayName: "alice", Action: TypingStart}
	raw, err := Encode(TypingChannel(3), ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Origin != 5 {
		t.Errorf("Origin = %d, want 5 (typing excludes the originator)", env.Origin)
	}
}
