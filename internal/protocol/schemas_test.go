package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gridcast.io/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip marshals a Go message and re-reads it generically so the schema
// sees exactly what goes on the wire.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "name":"bot1",
	  "platform":"android",
	  "high_res_radius":10
	}`), &hello)
	validate(compileSchema(t, "hello.schema.json"), hello)

	var act any
	_ = json.Unmarshal([]byte(`{
	  "type":"ACT",
	  "protocol_version":"1.0",
	  "tick":12,
	  "actions":[
	    {"id":"a1","type":"MOVE","dx":1,"dz":-1},
	    {"id":"a2","type":"SAY","text":"hi"},
	    {"id":"a3","type":"HIT","target":2049,"amount":4}
	  ]
	}`), &act)
	validate(compileSchema(t, "act.schema.json"), act)
}

func TestSchemas_ServerMessagesConform(t *testing.T) {
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Avatar:          3,
		Revision:        1,
		Platform:        "desktop",
		Tick:            40,
		WorldParams: protocol.WorldParams{
			TickRateHz:    2,
			ByteCeiling:   40000,
			HighResRadius: 15,
			LowResRadius:  63,
			Spawn:         [3]int{0, 3222, 3218},
		},
	}
	if err := compileSchema(t, "welcome.schema.json").Validate(roundTrip(t, welcome)); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	e := protocol.NewError(protocol.ErrDesync, "queue full")
	if err := compileSchema(t, "error.schema.json").Validate(roundTrip(t, e)); err != nil {
		t.Fatalf("error: %v", err)
	}
}

func TestSchemas_RejectUnknownAction(t *testing.T) {
	var act any
	_ = json.Unmarshal([]byte(`{"type":"ACT","protocol_version":"1.0","actions":[{"type":"MINE"}]}`), &act)
	if err := compileSchema(t, "act.schema.json").Validate(act); err == nil {
		t.Fatalf("expected MINE to be rejected")
	}
}
