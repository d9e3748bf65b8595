package sdk

import "testing"

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantErr  bool
	}{
		{"reply", `{"kind":"reply","text":"hi"}`, RespReply, false},
		{"unknown kind maps to none", `{"kind":"hologram","text":"x"}`, RespNone, false},
		{"unknown fields ignored", `{"kind":"edit","text":"y","zzz":42}`, RespEdit, false},
		{"missing kind", `{"text":"hi"}`, "", true},
		{"not json", `reply`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
		})
	}
}

func TestDecodeResponseKeepsStateOnUnknownKind(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"kind":"future_thing","state":{"op":"clear"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Kind != RespNone {
		t.Errorf("kind = %q, want %q", resp.Kind, RespNone)
	}
	if resp.State == nil || resp.State.Op != StateClear {
		t.Errorf("state directive lost: %+v", resp.State)
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"valid command", Manifest{ID: "hello", Version: "1.0.0", Kind: KindSingleCommand, Command: "hello"}, false},
		{"valid listener without command", Manifest{ID: "log", Version: "0.1.2", Kind: KindListener}, false},
		{"missing id", Manifest{Version: "1.0.0", Kind: KindListener}, true},
		{"bad version", Manifest{ID: "x", Version: "1.0", Kind: KindListener}, true},
		{"flow without command", Manifest{ID: "x", Version: "1.0.0", Kind: KindCommandFlow}, true},
		{"unknown kind", Manifest{ID: "x", Version: "1.0.0", Kind: "cron"}, true},
		{"future schema", Manifest{ID: "x", Version: "1.0.0", Kind: KindListener, SchemaVersion: SchemaVersion + 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
