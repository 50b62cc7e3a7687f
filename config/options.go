// Package config mirrors the processor configuration table: one field
// per row, loadable from YAML via gopkg.in/yaml.v3 (domain-stack
// wiring grounded on the other_examples streamerbrainz and
// thane-ai-agent pack members, both of which load process configuration
// through gopkg.in/yaml.v3), with defaults matching the narrative
// defaults — in particular, max_message_length rejects anything "large
// enough to endanger memory".
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueOptions sizes one of the four priority queues.
type QueueOptions struct {
	Capacity int `yaml:"capacity"`
	Threads  int `yaml:"threads"`
}

// KeepAliveOptions controls the heartbeat subsystem.
type KeepAliveOptions struct {
	Timeout     time.Duration `yaml:"timeout"`
	PeerTimeout time.Duration `yaml:"peer_timeout"`
}

// Options is the full processor configuration table.
type Options struct {
	FlushStream bool `yaml:"flush_stream"`

	// RPCVersion is stamped into outgoing messages as hl_version.
	RPCVersion int32 `yaml:"rpc_version"`

	// MaxMessageLength bounds a single framed message.
	MaxMessageLength int `yaml:"max_message_length"`

	IncomingMessageQueue QueueOptions `yaml:"incoming_message_queue"`
	OutgoingMessageQueue QueueOptions `yaml:"outgoing_message_queue"`
	CallQueue            QueueOptions `yaml:"call_queue"`
	RequestQueue         QueueOptions `yaml:"request_queue"`

	KeepAlive KeepAliveOptions `yaml:"keep_alive"`
}

// Defaults returns the narrative defaults of §6/§7: a conservative
// max_message_length, single-threaded outgoing delivery, and keep-alive
// thresholds generous enough not to fire under ordinary jitter.
func Defaults() Options {
	return Options{
		FlushStream:      false,
		RPCVersion:       1,
		MaxMessageLength: 4 << 20, // 4 MiB: large enough for real payloads, small enough to bound memory
		IncomingMessageQueue: QueueOptions{
			Capacity: 1024,
			Threads:  4,
		},
		OutgoingMessageQueue: QueueOptions{
			Capacity: 1024,
			Threads:  1, // fixed: single-writer transport invariant
		},
		CallQueue: QueueOptions{
			Capacity: 256,
			Threads:  8,
		},
		RequestQueue: QueueOptions{
			Capacity: 4096,
			Threads:  0, // unused; request concurrency is bounded by capacity, not a worker pool
		},
		KeepAlive: KeepAliveOptions{
			Timeout:     30 * time.Second,
			PeerTimeout: 90 * time.Second,
		},
	}
}

// Load reads YAML from path into Defaults(), so unset fields keep their
// default value instead of zeroing out.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	opts := Defaults()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects configurations the processor cannot safely start
// with (spec §6 "default must reject messages large enough to endanger
// memory" generalizes to: zero or negative sizes are always rejected).
func (o Options) Validate() error {
	if o.MaxMessageLength <= 0 {
		return fmt.Errorf("config: max_message_length must be positive")
	}
	if o.OutgoingMessageQueue.Threads != 1 {
		return fmt.Errorf("config: outgoing_message_queue.threads must be exactly 1")
	}
	for name, q := range map[string]QueueOptions{
		"incoming_message_queue": o.IncomingMessageQueue,
		"outgoing_message_queue": o.OutgoingMessageQueue,
		"call_queue":             o.CallQueue,
	} {
		if q.Capacity <= 0 {
			return fmt.Errorf("config: %s.capacity must be positive", name)
		}
	}
	if o.KeepAlive.Timeout <= 0 || o.KeepAlive.PeerTimeout <= 0 {
		return fmt.Errorf("config: keep_alive timeouts must be positive")
	}
	if o.KeepAlive.PeerTimeout <= o.KeepAlive.Timeout {
		return fmt.Errorf("config: keep_alive.peer_timeout must exceed keep_alive.timeout")
	}
	return nil
}
