package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/api"
)

// decodeState sniffs the document shape. The current form is an object of
// region to ISO-8601 timestamp or null; the legacy form is a list of region ids.
func decodeState(data []byte) (map[string]*time.Time, bool, error) {
	regions := make(map[string]*time.Time)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return regions, false, nil
	}

	switch trimmed[0] {
	case '[':
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, false, fmt.Errorf("%w: legacy list: %v", ErrCorruptState, err)
		}
		for _, id := range ids {
			if id != "" {
				regions[id] = nil
			}
		}
		return regions, true, nil

	case '{':
		var doc map[string]*string
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		for region, raw := range doc {
			if raw == nil {
				regions[region] = nil
				continue
			}
			ts, err := api.ParseTimestamp(*raw)
			if err != nil {
				logrus.WithFields(logrus.Fields{"region": region, "value": *raw}).
					Warn("Unparseable transition time in deployment state, treating as unknown")
				regions[region] = nil
				continue
			}
			regions[region] = &ts
		}
		return regions, false, nil

	default:
		return nil, false, fmt.Errorf("%w: unexpected document starting with %q", ErrCorruptState, trimmed[0])
	}
}

func encodeState(regions map[string]*time.Time) ([]byte, error) {
	doc := make(map[string]*string, len(regions))
	for region, ts := range regions {
		if ts == nil {
			doc[region] = nil
			continue
		}
		s := api.FormatTimestamp(*ts)
		doc[region] = &s
	}
	return json.MarshalIndent(doc, "", "  ")
}

// decodeRemovals reads the removal log. It is advisory, so damage only costs a cooldown.
func decodeRemovals(data []byte) map[string]time.Time {
	out := make(map[string]time.Time)
	if len(bytes.TrimSpace(data)) == 0 {
		return out
	}

	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).Warn("Ignoring unreadable removal log")
		return out
	}
	for region, raw := range doc {
		ts, err := api.ParseTimestamp(raw)
		if err != nil {
			logrus.WithField("region", region).Warn("Ignoring unparseable removal time")
			continue
		}
		out[region] = ts
	}
	return out
}

func encodeRemovals(removed map[string]time.Time) ([]byte, error) {
	doc := make(map[string]string, len(removed))
	for region, ts := range removed {
		doc[region] = api.FormatTimestamp(ts)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// decodeHistory reads a document keyed by timestamp. It never fails: an
// unreadable document is an empty history and bad entries are dropped.
func decodeHistory(data []byte) []api.TrafficSnapshot {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).Error("Invalid JSON in traffic history, starting from empty history")
		return nil
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byTime := make(map[int64]api.TrafficSnapshot, len(keys))
	for _, key := range keys {
		snap, err := decodeEntry(key, doc[key])
		if err != nil {
			logrus.WithError(err).WithField("entry", key).Warn("Skipping malformed history entry")
			continue
		}
		byTime[snap.Timestamp.UnixNano()] = snap
	}

	out := make([]api.TrafficSnapshot, 0, len(byTime))
	for _, snap := range byTime {
		out = append(out, snap)
	}
	sortNewestFirst(out)
	return out
}

func decodeEntry(key string, raw json.RawMessage) (api.TrafficSnapshot, error) {
	ts, err := api.ParseTimestamp(key)
	if err != nil {
		return api.TrafficSnapshot{}, err
	}
	snap, err := decodeCounts(raw)
	if err != nil {
		return api.TrafficSnapshot{}, err
	}
	snap.Timestamp = ts
	return snap, nil
}

// decodeCounts parses a region to count mapping. A value that is not a
// number drops that one sample and marks the region invalid.
func decodeCounts(raw json.RawMessage) (api.TrafficSnapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return api.TrafficSnapshot{}, fmt.Errorf("counts are not an object: %w", err)
	}
	if fields == nil {
		return api.TrafficSnapshot{}, fmt.Errorf("counts are null")
	}

	snap := api.TrafficSnapshot{Counts: make(map[string]float64, len(fields))}
	invalid := make(map[string]struct{})
	for key, v := range fields {
		region := api.NormalizeRegion(key)
		if region == "" {
			continue
		}
		n, ok := parseCount(v)
		if !ok {
			logrus.WithFields(logrus.Fields{"region": key, "value": string(v)}).Warn("Dropping non-numeric traffic sample")
			invalid[region] = struct{}{}
			continue
		}
		api.AddCount(snap.Counts, region, n)
	}
	for region := range invalid {
		delete(snap.Counts, region)
		snap.Invalid = append(snap.Invalid, region)
	}
	sort.Strings(snap.Invalid)
	return snap, nil
}

func parseCount(v json.RawMessage) (float64, bool) {
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return n, api.ValidCount(n)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil && api.ValidCount(n) {
			return n, true
		}
	}
	return 0, false
}

// encodeCounts drops values JSON cannot carry
func encodeCounts(counts map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(counts))
	for region, v := range counts {
		if api.ValidCount(v) {
			out[region] = v
		}
	}
	return out
}

func encodeHistory(snaps []api.TrafficSnapshot) ([]byte, error) {
	doc := make(map[string]map[string]float64, len(snaps))
	for _, s := range snaps {
		doc[api.FormatTimestamp(s.Timestamp)] = encodeCounts(s.Counts)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func sortNewestFirst(snaps []api.TrafficSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
}

// mergeAndTrim inserts snap into history (newest first), replacing a same-timestamp entry,
// and keeps the newest maxEntries by timestamp
func mergeAndTrim(history []api.TrafficSnapshot, snap api.TrafficSnapshot, maxEntries int) []api.TrafficSnapshot {
	out := make([]api.TrafficSnapshot, 0, len(history)+1)
	for _, h := range history {
		if !h.Timestamp.Equal(snap.Timestamp) {
			out = append(out, h)
		}
	}
	out = append(out, snap)
	sortNewestFirst(out)

	if maxEntries > 0 && len(out) > maxEntries {
		out = out[:maxEntries]
	}
	return out
}
