package protocol

import (
	"strconv"
	"strings"
)

// Player and rule lists travel as flat tab-separated blobs: players as
// (name, score, id) triples, rules as (key, value) pairs, with no outer
// delimiters beyond the tabs. Trailing partial tuples are dropped on parse.

// PlayerRow is one entry in a server's player list
type PlayerRow struct {
	Name     string
	Score    int32
	PlayerID string
}

// RuleEntry is one (key, value) pair in a server's rules list
type RuleEntry struct {
	Key   string
	Value string
}

// EncodePlayerBlob flattens player rows into the wire blob
func EncodePlayerBlob(rows []PlayerRow) string {
	if len(rows) == 0 {
		return ""
	}
	parts := make([]string, 0, len(rows)*3)
	for _, row := range rows {
		parts = append(parts, row.Name, strconv.FormatInt(int64(row.Score), 10), row.PlayerID)
	}
	return strings.Join(parts, "\t")
}

// ParsePlayerBlob splits the wire blob back into player rows. Scores that
// fail to parse become 0 rather than failing the whole list.
func ParsePlayerBlob(blob string) []PlayerRow {
	if blob == "" {
		return nil
	}
	parts := strings.Split(blob, "\t")
	rows := make([]PlayerRow, 0, len(parts)/3)
	for i := 0; i+2 < len(parts); i += 3 {
		score, err := strconv.ParseInt(parts[i+1], 10, 32)
		if err != nil {
			score = 0
		}
		rows = append(rows, PlayerRow{
			Name:     parts[i],
			Score:    int32(score),
			PlayerID: parts[i+2],
		})
	}
	return rows
}

// EncodeRulesBlob flattens rule entries into the wire blob
func EncodeRulesBlob(rules []RuleEntry) string {
	if len(rules) == 0 {
		return ""
	}
	parts := make([]string, 0, len(rules)*2)
	for _, rule := range rules {
		parts = append(parts, rule.Key, rule.Value)
	}
	return strings.Join(parts, "\t")
}

// ParseRulesBlob splits the wire blob back into rule entries
func ParseRulesBlob(blob string) []RuleEntry {
	if blob == "" {
		return nil
	}
	parts := strings.Split(blob, "\t")
	rules := make([]RuleEntry, 0, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		rules = append(rules, RuleEntry{Key: parts[i], Value: parts[i+1]})
	}
	return rules
}
