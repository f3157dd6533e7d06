package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "valid identify", env: Envelope{V: Version, Type: TypeIdentify}},
		{name: "valid broadcast", env: Envelope{V: Version, Type: TypeMessageReceived, ID: "01ABC"}},
		{name: "missing v", env: Envelope{Type: TypeIdentify}, wantErr: "missing field: v"},
		{name: "wrong v", env: Envelope{V: "v2", Type: TypeIdentify}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "ping"}, wantErr: "unknown type"},
		{name: "legacy room event", env: Envelope{V: Version, Type: TypeJoinRoom}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(PrivateMessagePayload{
		SenderID:   "u1",
		ReceiverID: "u2",
		Content:    "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	in := Envelope{
		V:       Version,
		Type:    TypePrivateMessage,
		ID:      "01H0000000000000000000TEST",
		TS:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.V != in.V || out.Type != in.Type || out.ID != in.ID || !out.TS.Equal(in.TS) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}

	var p PrivateMessagePayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.SenderID != "u1" || p.ReceiverID != "u2" || p.Content != "hello" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestEnvelopeOmitsEmptyAckID(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Envelope{V: Version, Type: TypeUserOnline})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "ack_id") {
		t.Fatalf("broadcast envelope must not carry ack_id: %s", data)
	}
}
