package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// jobIDSize is the fixed width of a Work body.
const jobIDSize = 8

// EncodeJobID renders a job identifier as a Work message body.
func EncodeJobID(id int) []byte {
	buf := make([]byte, jobIDSize)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeJobID parses a Work message body.
func DecodeJobID(body []byte) (int, error) {
	if len(body) != jobIDSize {
		return 0, fmt.Errorf("job id body: want %d bytes, got %d", jobIDSize, len(body))
	}
	v := binary.BigEndian.Uint64(body)
	if v > uint64(int(^uint(0)>>1)) {
		return 0, fmt.Errorf("job id %d out of range", v)
	}
	return int(v), nil
}

// EncodeEnvelope serializes an Envelope to JSON and writes it to w.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	if env.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if !env.Tag.Valid() {
		return fmt.Errorf("invalid tag: %d", int(env.Tag))
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// DecodeEnvelope reads and validates one Envelope from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if !env.Tag.Valid() {
		return nil, fmt.Errorf("invalid tag: %d", int(env.Tag))
	}
	if env.Source < 0 || env.Dest < 0 {
		return nil, fmt.Errorf("negative address: source=%d dest=%d", env.Source, env.Dest)
	}
	return &env, nil
}

// EncodeJobRequest serializes a JobRequest to JSON and writes it to w.
func EncodeJobRequest(w io.Writer, req *JobRequest) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeJobResponse reads all of r and parses a JobResponse. The raw bytes
// are returned even on failure so callers can log what the job printed.
func DecodeJobResponse(r io.Reader) (*JobResponse, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("job produced no output on stdout")
	}

	var resp JobResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("job output is not valid JSON: %w", err)
	}

	if resp.Status == "" {
		return nil, data, fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return nil, data, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, data, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, data, nil
}
