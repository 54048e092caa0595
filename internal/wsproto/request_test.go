package wsproto

import "testing"

func TestParseHandshake(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"accepted", `{"type":"websocket/connected","payload":{"iAcceptThisIsAnUnsupportedApi":true},"meta":{}}`, true},
		{"declined", `{"type":"websocket/connected","payload":{"iAcceptThisIsAnUnsupportedApi":false},"meta":{}}`, false},
		{"wrong type", `{"type":"something/else","payload":{"iAcceptThisIsAnUnsupportedApi":true}}`, false},
		{"malformed", `not json`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ParseHandshake([]byte(c.raw)); got != c.want {
				t.Errorf("ParseHandshake(%s) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}

func TestParseIncoming_Execute(t *testing.T) {
	raw := []byte(`{"type":"output/execute/wsExecuteRequest","payload":{"channel":"stable","mode":"debug","edition":"2021","crateType":"bin","tests":false,"code":"fn main(){}","backtrace":false},"meta":{"sequenceNumber":1}}`)
	wire, meta, err := ParseIncoming(raw)
	if err != nil {
		t.Fatalf("ParseIncoming: %v", err)
	}
	if wire.Channel != "stable" || wire.Mode != "debug" || wire.Edition != "2021" || wire.CrateType != "bin" {
		t.Fatalf("unexpected wire: %+v", wire)
	}
	if string(meta) != `{"sequenceNumber":1}` {
		t.Fatalf("unexpected meta: %s", meta)
	}
}

func TestParseIncoming_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"output/format/wsFormatRequest","payload":{}}`)
	if _, _, err := ParseIncoming(raw); err == nil {
		t.Fatal("expected error for unknown request type")
	}
}

func TestParseIncoming_Malformed(t *testing.T) {
	if _, _, err := ParseIncoming([]byte("{not json")); err == nil {
		t.Fatal("expected deserialization error")
	}
}
