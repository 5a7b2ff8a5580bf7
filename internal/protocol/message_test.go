package protocol

import "testing"

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantType MessageType
	}{
		{
			name:     "record message",
			line:     `{"type":"RECORD","record":{"stream":"users","data":{"id":1},"emitted_at":1700000000000}}`,
			wantOK:   true,
			wantType: TypeRecord,
		},
		{
			name:     "state message",
			line:     `{"type":"STATE","state":{"data":{"cursor":"2024-01-01"}}}`,
			wantOK:   true,
			wantType: TypeState,
		},
		{
			name:     "trace message",
			line:     `{"type":"TRACE","trace":{"type":"STREAM_STATUS"}}`,
			wantOK:   true,
			wantType: TypeTrace,
		},
		{
			name:   "plain log noise",
			line:   "Starting sync for stream users",
			wantOK: false,
		},
		{
			name:   "non-protocol json",
			line:   `{"level":"info","msg":"hello"}`,
			wantOK: false,
		},
		{
			name:   "truncated json",
			line:   `{"type":"RECORD","record":{"stream":"us`,
			wantOK: false,
		},
		{
			name:   "record without stream",
			line:   `{"type":"RECORD","record":{"data":{"id":1}}}`,
			wantOK: false,
		},
		{
			name:   "empty line",
			line:   "",
			wantOK: false,
		},
		{
			name:     "leading whitespace tolerated",
			line:     `  {"type":"LOG","log":{"level":"INFO","message":"m"}}`,
			wantOK:   true,
			wantType: TypeLog,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseLine([]byte(tt.line))
			if ok != tt.wantOK {
				t.Fatalf("ParseLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", msg.Type, tt.wantType)
			}
		})
	}
}

func TestParseLineRecordPayload(t *testing.T) {
	line := `{"type":"RECORD","record":{"stream":"users","data":{"id":1,"name":"a"}}}`

	msg, ok := ParseLine([]byte(line))
	if !ok {
		t.Fatal("ParseLine() ok = false, want true")
	}
	if msg.Record == nil {
		t.Fatal("Record = nil, want payload")
	}
	if msg.Record.Stream != "users" {
		t.Errorf("Stream = %q, want %q", msg.Record.Stream, "users")
	}
	if got := msg.Record.Data["name"]; got != "a" {
		t.Errorf("Data[name] = %v, want %q", got, "a")
	}
	if string(msg.Raw) != line {
		t.Errorf("Raw not preserved verbatim: %s", msg.Raw)
	}
}
