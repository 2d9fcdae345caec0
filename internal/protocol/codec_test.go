package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestJobIDCodec(t *testing.T) {
	for _, id := range []int{0, 1, 42, 1 << 40} {
		body := EncodeJobID(id)
		if len(body) != 8 {
			t.Fatalf("EncodeJobID(%d) produced %d bytes", id, len(body))
		}
		got, err := DecodeJobID(body)
		if err != nil {
			t.Fatalf("DecodeJobID: %v", err)
		}
		if got != id {
			t.Errorf("round trip %d -> %d", id, got)
		}
	}
}

func TestDecodeJobID_BadLength(t *testing.T) {
	for _, body := range [][]byte{nil, {1, 2, 3}, make([]byte, 9)} {
		if _, err := DecodeJobID(body); err == nil {
			t.Errorf("expected error for %d-byte body", len(body))
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "work order",
			env: &Envelope{
				Protocol: 1,
				Source:   0,
				Dest:     2,
				Tag:      TagWork,
				Body:     EncodeJobID(7),
				SentAt:   time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"tag":1`) {
					t.Error("missing tag field")
				}
				if !strings.Contains(output, `"dest":2`) {
					t.Error("missing dest field")
				}
				if !strings.Contains(output, `"body"`) {
					t.Error("missing body field")
				}
			},
		},
		{
			name: "finish has no body",
			env:  &Envelope{Protocol: 1, Source: 0, Dest: 1, Tag: TagFinish},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"body"`) {
					t.Error("finish envelope should omit body")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			env:     &Envelope{Protocol: 2, Tag: TagWork},
			wantErr: true,
		},
		{
			name:    "unknown tag",
			env:     &Envelope{Protocol: 1, Tag: Tag(9)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeEnvelope(&buf, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantTag Tag
	}{
		{
			name:    "pending ack",
			input:   `{"protocol":1,"source":3,"dest":0,"tag":2,"sent_at":"2026-02-08T12:00:00Z"}`,
			wantTag: TagPending,
		},
		{
			name:    "unknown field",
			input:   `{"protocol":1,"source":3,"dest":0,"tag":2,"extra":true}`,
			wantErr: true,
		},
		{
			name:    "bad version",
			input:   `{"protocol":3,"source":3,"dest":0,"tag":2}`,
			wantErr: true,
		},
		{
			name:    "bad tag",
			input:   `{"protocol":1,"source":3,"dest":0,"tag":0}`,
			wantErr: true,
		},
		{
			name:    "negative source",
			input:   `{"protocol":1,"source":-1,"dest":0,"tag":3}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && env.Tag != tt.wantTag {
				t.Errorf("tag = %v, want %v", env.Tag, tt.wantTag)
			}
		})
	}
}

func TestEnvelopeBodySurvivesJSON(t *testing.T) {
	var buf bytes.Buffer
	in := &Envelope{Protocol: 1, Source: 0, Dest: 4, Tag: TagWork, Body: EncodeJobID(99)}
	if err := EncodeEnvelope(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, err := DecodeJobID(out.Body)
	if err != nil {
		t.Fatalf("DecodeJobID: %v", err)
	}
	if id != 99 {
		t.Errorf("job id = %d, want 99", id)
	}
}

func TestEncodeJobRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &JobRequest{Protocol: 1, JobID: 5, Rank: 2, DeadlineAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := EncodeJobRequest(&buf, req); err != nil {
		t.Fatalf("EncodeJobRequest: %v", err)
	}
	if !strings.Contains(buf.String(), `"job_id":5`) {
		t.Errorf("missing job_id: %s", buf.String())
	}

	if err := EncodeJobRequest(&buf, &JobRequest{Protocol: 0}); err == nil {
		t.Error("expected error for protocol 0")
	}
}

func TestDecodeJobResponse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantErr    bool
		wantStatus string
	}{
		{name: "ok", input: `{"status":"ok"}`, wantStatus: "ok"},
		{name: "error with message", input: `{"status":"error","error":"boom"}`, wantStatus: "error"},
		{name: "ok with logs", input: `{"status":"ok","logs":[{"level":"info","message":"hi"}]}`, wantStatus: "ok"},
		{name: "empty", input: ``, wantErr: true},
		{name: "not json", input: `done`, wantErr: true},
		{name: "missing status", input: `{}`, wantErr: true},
		{name: "bad status", input: `{"status":"maybe"}`, wantErr: true},
		{name: "error without message", input: `{"status":"error"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw, err := DecodeJobResponse(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJobResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(raw) != tt.input {
				t.Errorf("raw = %q, want %q", raw, tt.input)
			}
			if !tt.wantErr && resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestTagString(t *testing.T) {
	if TagWork.String() != "work" || TagPending.String() != "pending" || TagFinish.String() != "finish" {
		t.Error("unexpected tag names")
	}
	if Tag(7).String() != "tag(7)" {
		t.Errorf("unknown tag string = %q", Tag(7).String())
	}
}
