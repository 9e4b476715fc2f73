package healthsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a JSON object as seen by the conflict resolver.
type Record = map[string]any

// Strategy picks a winner between a local change and the server's value.
type Strategy string

const (
	ServerWins Strategy = "server-wins"
	ClientWins Strategy = "client-wins"
	NewestWins Strategy = "newest-wins"
	Merge      Strategy = "merge"
)

// Resolve applies strategy to a (local, remote) pair. It performs no I/O and
// never mutates its inputs. An empty strategy means ServerWins.
//
// NewestWins compares updatedAt (falling back to timestamp) on both records
// and returns ErrMissingTimestamp when either side lacks a comparable value.
// A tie keeps the remote record.
func Resolve(local, remote Record, strategy Strategy) (Record, error) {
	switch strategy {
	case ServerWins, "":
		return remote, nil
	case ClientWins:
		return local, nil
	case NewestWins:
		lt, err := recordTime(local)
		if err != nil {
			return nil, fmt.Errorf("local: %w", err)
		}
		rt, err := recordTime(remote)
		if err != nil {
			return nil, fmt.Errorf("remote: %w", err)
		}
		if lt.After(rt) {
			return local, nil
		}
		return remote, nil
	case Merge:
		merged := make(Record, len(remote)+len(local))
		for k, v := range remote {
			merged[k] = v
		}
		for k, v := range local {
			merged[k] = v
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func recordTime(r Record) (time.Time, error) {
	for _, field := range []string{"updatedAt", "timestamp"} {
		v, ok := r[field]
		if !ok || v == nil {
			continue
		}
		if t, ok := parseTimeValue(v); ok {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: %s=%v", ErrMissingTimestamp, field, v)
	}
	return time.Time{}, ErrMissingTimestamp
}

// parseTimeValue accepts RFC 3339 strings, epoch milliseconds and time.Time.
func parseTimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	case json.Number:
		ms, err := t.Int64()
		return time.UnixMilli(ms), err == nil
	}
	return time.Time{}, false
}

// DecodeRecord decodes a JSON object into a Record.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}
