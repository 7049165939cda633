package cache

import (
	"encoding/json"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
)

// Entry is one cached encrypted payload. The payload stays encrypted at rest;
// plaintext never enters the cache.
type Entry struct {
	Path           string
	FetchedAt      time.Time
	Payload        string // base64 blob as received
	Signature      string
	EncryptionType string
	VersionHash    string

	// Stale is set on entries served past their TTL because the rate limit
	// denied a refresh. Not persisted.
	Stale bool
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return !e.FetchedAt.IsZero() && now.Sub(e.FetchedAt) < ttl
}

// Digest is the SHA-256 of the stored payload.
func (e Entry) Digest() string {
	return cryptoutil.SHA256Hex([]byte(e.Payload))
}

// SameContent reports whether two entries carry the same version.
func (e Entry) SameContent(o Entry) bool {
	if e.VersionHash != "" && o.VersionHash != "" {
		return cryptoutil.HashEqual(e.VersionHash, o.VersionHash)
	}
	return cryptoutil.HashEqual(e.Digest(), o.Digest())
}

// fileEntry is the on-disk record. Timestamp is unix seconds with fraction.
type fileEntry struct {
	Timestamp      float64 `json:"timestamp"`
	EncryptedData  string  `json:"encrypted_data"`
	Signature      string  `json:"signature,omitempty"`
	EncryptionType string  `json:"encryption_type"`
	VersionHash    string  `json:"version_hash"`
}

func toFile(e Entry) fileEntry {
	return fileEntry{
		Timestamp:      float64(e.FetchedAt.UnixNano()) / 1e9,
		EncryptedData:  e.Payload,
		Signature:      e.Signature,
		EncryptionType: e.EncryptionType,
		VersionHash:    e.VersionHash,
	}
}

func fromFile(path string, f fileEntry) Entry {
	sec, frac := math.Modf(f.Timestamp)
	return Entry{
		Path:           path,
		FetchedAt:      time.Unix(int64(sec), int64(frac*1e9)),
		Payload:        f.EncryptedData,
		Signature:      f.Signature,
		EncryptionType: f.EncryptionType,
		VersionHash:    f.VersionHash,
	}
}

func marshalEntries(m map[string]Entry) ([]byte, error) {
	out := make(map[string]fileEntry, len(m))
	for p, e := range m {
		out[p] = toFile(e)
	}
	return json.MarshalIndent(out, "", "  ")
}

func unmarshalEntries(b []byte) (map[string]Entry, error) {
	var in map[string]fileEntry
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(in))
	for p, f := range in {
		if p == "" || f.EncryptedData == "" {
			continue
		}
		out[p] = fromFile(p, f)
	}
	return out, nil
}
