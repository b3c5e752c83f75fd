// Package trial implements the trial entity (C3): the immutable header,
// status state machine, content-addressed identity, and the Save/Load/Branch
// operations spec.md §4.3 describes.
package trial

import (
	"time"

	"chronicle.dev/chronicle/internal/canon"
)

// ID identifies a trial. It is the hex digest of the canonical serialization
// of the trial's immutable header fields (see Hash).
type ID = string

// Refers records the trial's parent, if any, and the upper bound on the
// parent's event streams visible when this trial branched from it.
type Refers struct {
	ParentID         ID        `bson:"parent_id"`
	RuntimeTimestamp time.Time `bson:"timestamp"`
}

// Canon renders Refers for canonical hashing.
func (r Refers) Canon() map[string]any {
	m := map[string]any{"parent_id": r.ParentID}
	if !r.RuntimeTimestamp.IsZero() {
		m["timestamp"] = r.RuntimeTimestamp.UTC().Format(time.RFC3339Nano)
	} else {
		m["timestamp"] = nil
	}
	return m
}

// Host describes the machine and environment a trial ran or will run on.
type Host struct {
	Hostname string            `bson:"hostname"`
	Username string            `bson:"username"`
	OS       string            `bson:"os"`
	CPU      string            `bson:"cpu"`
	GPU      string            `bson:"gpu"`
	Env      map[string]string `bson:"env"`
}

// Canon renders Host for canonical hashing.
func (h Host) Canon() map[string]any {
	env := make(map[string]any, len(h.Env))
	for k, v := range h.Env {
		env[k] = v
	}
	return map[string]any{
		"hostname": h.Hostname,
		"username": h.Username,
		"os":       h.OS,
		"cpu":      h.CPU,
		"gpu":      h.GPU,
		"env":      env,
	}
}

// Version records the local VCS state a trial ran or will run under.
type Version struct {
	Type    string `bson:"type"`
	HeadSHA string `bson:"head_sha"`
	IsDirty bool   `bson:"is_dirty"`
	Branch  string `bson:"branch"`
	DiffSHA string `bson:"diff_sha"`
}

// Canon renders Version for canonical hashing.
func (v Version) Canon() map[string]any {
	return map[string]any{
		"type":     v.Type,
		"head_sha": v.HeadSHA,
		"is_dirty": v.IsDirty,
		"branch":   v.Branch,
		"diff_sha": v.DiffSHA,
	}
}

// Commandline is the plain argv the trial's process is executed with;
// cmdline.Parse splits it into a template and a Configuration when needed.
type Commandline []string

func commandlineCanon(c Commandline) []any {
	out := make([]any, len(c))
	for i, v := range c {
		out[i] = v
	}
	return out
}

// ConfigValue is one leaf of a Configuration. Scalar holds any JSON-like
// value (string, float64, bool, []any); File, when non-empty, means this
// value originated from a `--flag path/to/file.yaml` argument and Content
// holds the parsed file content alongside the path.
type ConfigValue struct {
	Scalar  any            `bson:"scalar,omitempty"`
	File    string         `bson:"file,omitempty"`
	Content map[string]any `bson:"content,omitempty"`
}

// Canon renders a ConfigValue for canonical hashing.
func (c ConfigValue) Canon() any {
	if c.File == "" {
		return c.Scalar
	}
	content := make(map[string]any, len(c.Content))
	for k, v := range c.Content {
		content[k] = v
	}
	return map[string]any{"file": c.File, "content": content}
}

// Configuration is the trial's flattened key/value configuration, as parsed
// from its commandline by the cmdline package.
type Configuration map[string]ConfigValue

func (c Configuration) canon() map[string]any {
	m := make(map[string]any, len(c))
	for k, v := range c {
		m[k] = v.Canon()
	}
	return m
}

// Header holds the five immutable fields identity hashing is computed over,
// plus the derived ID itself.
type Header struct {
	ID            ID
	Refers        Refers
	Host          Host
	Version       Version
	Commandline   Commandline
	Configuration Configuration
}

// Hash computes the content-addressed ID for the given header fields. It is
// a pure function: the same five fields always produce the same ID,
// independent of process, machine, or language, per spec.md §3 and §4.3.
func Hash(refers Refers, host Host, version Version, commandline Commandline, configuration Configuration) ID {
	s := canon.String(refers.Canon()) +
		canon.String(host.Canon()) +
		canon.String(version.Canon()) +
		canon.String(commandlineCanon(commandline)) +
		canon.String(configuration.canon())
	return hexDigest(s)
}

// ShortID returns the first 7 hex characters of id, the form spec.md §7
// requires in user-visible error messages.
func ShortID(id ID) string {
	if len(id) <= 7 {
		return id
	}
	return id[:7]
}
