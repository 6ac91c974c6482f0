package async

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

// Topic names one pipeline hand-off. The suffix is the schema version.
type Topic string

const (
	TopicFetch  Topic = "secateur.fetch.v1"
	TopicReduce Topic = "secateur.reduce.v1"
)

// Topics lists every topic a bus must carry.
var Topics = []Topic{TopicFetch, TopicReduce}

// EnvelopeVersion is the only schema version this build produces and accepts.
const EnvelopeVersion = 1

// Envelope is the wire form of every event.
type Envelope struct {
	Version     int               `json:"version"`
	Topic       Topic             `json:"topic"`
	MessageID   string            `json:"message_id"`
	PublishedAt time.Time         `json:"published_at"`
	Job         entity.Descriptor `json:"job"`
}

// EncodeEnvelope wraps job for topic with a fresh message id.
func EncodeEnvelope(topic Topic, job entity.Descriptor) ([]byte, Envelope, error) {
	if job.Filters == nil {
		job.Filters = []entity.Filter{}
	}
	env := Envelope{
		Version:     EnvelopeVersion,
		Topic:       topic,
		MessageID:   uuid.NewString(),
		PublishedAt: time.Now().UTC(),
		Job:         job,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, env, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, env, nil
}

// DecodeEnvelope validates data against the envelope schema and unmarshals it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	schema, err := envelopeSchema()
	if err != nil {
		return env, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return env, fmt.Errorf("envelope does not match schema: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func envelopeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(BuildEnvelopeJSONSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("envelope.json")
	})
	return compiledSchema, schemaErr
}

// BuildEnvelopeJSONSchema returns the version 1 event schema as a generic map.
func BuildEnvelopeJSONSchema() map[string]any {
	str := map[string]any{"type": "string"}
	hexID := map[string]any{"type": "string", "pattern": `^[0-9a-f]+$`}
	boolean := map[string]any{"type": "boolean"}

	filter := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"column": str,
			"value":  str,
		},
		"required": []string{"column", "value"},
	}
	job := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"url":            map[string]any{"type": "string", "minLength": 1},
			"filters":        map[string]any{"type": "array", "items": filter},
			"job_id":         hexID,
			"source_id":      hexID,
			"force_download": boolean,
			"force_reduce":   boolean,
			"no_headers":     boolean,
		},
		"required": []string{"url", "filters", "job_id", "source_id", "force_download", "force_reduce", "no_headers"},
	}

	topics := make([]string, 0, len(Topics))
	for _, t := range Topics {
		topics = append(topics, string(t))
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"version":      map[string]any{"const": EnvelopeVersion},
			"topic":        map[string]any{"type": "string", "enum": topics},
			"message_id":   map[string]any{"type": "string", "minLength": 1},
			"published_at": str,
			"job":          job,
		},
		"required": []string{"version", "topic", "message_id", "job"},
	}
}
