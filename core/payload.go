package core

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/beamgrid/go-beamgrid/common"
)

// Codecs understood by EncodedValue.
const (
	CodecJSON = "json"
	CodecGob  = "gob"
)

const (
	// DefaultJobTimeoutSec bounds task execution when the client does not
	// ask for a timeout.
	DefaultJobTimeoutSec = 600
	// MaxJobTimeoutSec is the longest execution any job may request.
	MaxJobTimeoutSec = 86400
)

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrNoTask         = errors.New("payload has no task")
	ErrUnknownCodec   = errors.New("unknown payload codec")
	ErrPayloadTooBig  = errors.New("payload exceeds maximum size")
	ErrNegativeValues = errors.New("timeout cannot be negative")
)

func init() {
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

// EncodedValue carries an arbitrary value over the wire: Data is the
// base64 of the value serialized with Codec.
type EncodedValue struct {
	Codec string `json:"codec"`
	Data  string `json:"data"`
}

func (v EncodedValue) IsZero() bool {
	return v.Codec == "" && v.Data == ""
}

// Decode deserializes the value into out, which must be a pointer.
func (v EncodedValue) Decode(out interface{}) error {
	if v.IsZero() {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(v.Data)
	if err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	switch v.Codec {
	case CodecJSON:
		return json.Unmarshal(raw, out)
	case CodecGob:
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(out)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCodec, v.Codec)
	}
}

// EncodeValue serializes in with the given codec.
func EncodeValue(codec string, in interface{}) (*EncodedValue, error) {
	var raw []byte
	switch codec {
	case CodecJSON:
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		raw = b
	case CodecGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(in); err != nil {
			return nil, err
		}
		raw = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
	return &EncodedValue{Codec: codec, Data: base64.StdEncoding.EncodeToString(raw)}, nil
}

// JobPayload is the parsed "input" object of a job request. Args holds
// positional arguments, Kwargs named ones; both are optional.
type JobPayload struct {
	Task       string       `json:"task"`
	Args       EncodedValue `json:"args,omitempty"`
	Kwargs     EncodedValue `json:"kwargs,omitempty"`
	Runtime    string       `json:"runtime,omitempty"`
	TimeoutSec int          `json:"timeout,omitempty"`
}

// TaskArgs is the decoded argument set handed to a task.
type TaskArgs struct {
	Args   []interface{}
	Kwargs map[string]interface{}
}

// ParsePayload validates and parses a raw job input envelope. The
// runtime defaults to "base" and the timeout is clamped to
// [1, MaxJobTimeoutSec], defaulting to DefaultJobTimeoutSec.
func ParsePayload(raw []byte) (*JobPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(raw) > common.MaxJobInputSize {
		return nil, ErrPayloadTooBig
	}
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Task == "" {
		return nil, ErrNoTask
	}
	if !p.Args.IsZero() && p.Args.Codec != CodecJSON && p.Args.Codec != CodecGob {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, p.Args.Codec)
	}
	if !p.Kwargs.IsZero() && p.Kwargs.Codec != CodecJSON && p.Kwargs.Codec != CodecGob {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, p.Kwargs.Codec)
	}
	if p.Runtime == "" {
		p.Runtime = "base"
	}
	if p.TimeoutSec < 0 {
		return nil, ErrNegativeValues
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = DefaultJobTimeoutSec
	}
	if p.TimeoutSec > MaxJobTimeoutSec {
		p.TimeoutSec = MaxJobTimeoutSec
	}
	return &p, nil
}

// DecodeArgs materializes the payload's argument values.
func (p *JobPayload) DecodeArgs() (*TaskArgs, error) {
	ta := &TaskArgs{}
	if err := p.Args.Decode(&ta.Args); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	if err := p.Kwargs.Decode(&ta.Kwargs); err != nil {
		return nil, fmt.Errorf("bad kwargs: %w", err)
	}
	if ta.Kwargs == nil {
		ta.Kwargs = map[string]interface{}{}
	}
	return ta, nil
}

// SerializeResult encodes a task's return value with the same codec the
// arguments used, so callers get back what they can decode.
func SerializeResult(p *JobPayload, out interface{}) (*EncodedValue, error) {
	codec := CodecJSON
	if !p.Args.IsZero() {
		codec = p.Args.Codec
	}
	return EncodeValue(codec, out)
}
