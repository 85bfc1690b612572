// Package audit persists the outbound governance trail. Every send attempt
// produces exactly one immutable row, appended to a JSONL log and mirrored
// into a sqlite table for ad-hoc querying. Desktop attempts without an
// evidence bundle are downgraded to blocked before persistence: no evidence,
// no credit.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/outpost/internal/shared"
)

const blockedEvidenceMissing = "outbound_blocked:evidence_bundle_missing"

// EvidenceBundle captures what the desktop automation actually observed
// around a send. It is the only acceptable proof that a desktop send
// happened.
type EvidenceBundle struct {
	PayloadHash        string `json:"payload_hash"`
	WindowFingerprint  string `json:"window_fingerprint"`
	RecipientTextCheck string `json:"recipient_text_check"` // matched | mismatched | uncertain
	ReceiptStatus      string `json:"receipt_status"`       // confirmed | uncertain | failed
	VisualPrecheck     string `json:"visual_precheck"`
	VisualPostcheck    string `json:"visual_postcheck"`
	SendStatusCheck    string `json:"send_status_check"`
	PreScreenshotPath  string `json:"pre_screenshot_path,omitempty"`
	PostScreenshotPath string `json:"post_screenshot_path,omitempty"`
	FailureStep        string `json:"failure_step,omitempty"`
}

// SemanticSummary is a three-part human-readable digest of the outcome.
type SemanticSummary struct {
	Trigger      string `json:"trigger"`
	KeyAssertion string `json:"key_assertion"`
	Recovery     string `json:"recovery"`
}

// Row is one outbound attempt. Rows are append-only; nothing mutates them
// after Record returns.
type Row struct {
	ID          string `json:"id"`
	At          string `json:"at"`
	TraceID     string `json:"trace_id,omitempty"`
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	TextPreview string `json:"text_preview,omitempty"`

	Sent    bool   `json:"sent"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`

	RiskTier          string `json:"risk_tier,omitempty"`
	AdvisorApproved   bool   `json:"advisor_approved"`
	TargetInAllowlist bool   `json:"target_in_allowlist"`
	Desktop           bool   `json:"desktop"`

	Evidence     *EvidenceBundle  `json:"evidence,omitempty"`
	Summary      *SemanticSummary `json:"semantic_summary,omitempty"`
	SemanticTags []SemanticTag    `json:"semantic_tags,omitempty"`
}

// Log is the append-only outbound audit trail.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	db         *sql.DB
	denyCount  atomic.Int64
	now        func() time.Time
}

// Open creates <home>/logs/channels-outbound.jsonl and its sqlite mirror at
// <home>/audit.db.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, "channels-outbound.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	db, err := openMirror(filepath.Join(homeDir, "audit.db"))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{file: f, path: path, db: db, now: time.Now}, nil
}

func openMirror(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			at TEXT NOT NULL,
			trace_id TEXT,
			channel TEXT NOT NULL,
			destination TEXT NOT NULL,
			sent INTEGER NOT NULL,
			message TEXT NOT NULL,
			reason TEXT,
			risk_tier TEXT,
			semantic_tags TEXT
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit_log table: %w", err)
	}
	return db, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.file != nil {
		first = l.file.Close()
		l.file = nil
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && first == nil {
			first = err
		}
		l.db = nil
	}
	return first
}

// DenyCount returns the number of blocked rows recorded since startup.
func (l *Log) DenyCount() int64 { return l.denyCount.Load() }

// Record finalizes and persists one row: fills ID and timestamp, derives
// missing tags, enforces the desktop evidence requirement, validates the tag
// vocabulary, and redacts free-text fields. The persisted row is returned.
func (l *Log) Record(row Row) (Row, error) {
	if row.ID == "" {
		row.ID = "out_" + uuid.NewString()
	}
	if row.At == "" {
		row.At = l.now().UTC().Format(time.RFC3339Nano)
	}

	if row.Desktop && row.Sent && row.Evidence == nil {
		row.Sent = false
		row.Message = blockedEvidenceMissing
		row.Reason = blockedEvidenceMissing
		row.SemanticTags = nil
	}

	if len(row.SemanticTags) == 0 {
		row.SemanticTags = DeriveTags(row.Sent, row.Message)
	}
	if err := ValidateTags(row.SemanticTags); err != nil {
		return Row{}, err
	}

	row.Message = shared.Redact(row.Message)
	row.Reason = shared.Redact(row.Reason)
	row.TextPreview = shared.Redact(row.TextPreview)

	if !row.Sent {
		l.denyCount.Add(1)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return Row{}, fmt.Errorf("marshal audit row: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return Row{}, fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return Row{}, fmt.Errorf("append audit row: %w", err)
	}

	if l.db != nil {
		tags, _ := json.Marshal(row.SemanticTags)
		sent := 0
		if row.Sent {
			sent = 1
		}
		_, _ = l.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (id, at, trace_id, channel, destination, sent, message, reason, risk_tier, semantic_tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, row.ID, row.At, row.TraceID, row.Channel, row.Destination, sent, row.Message, row.Reason, row.RiskTier, string(tags))
	}
	return row, nil
}

// List returns up to limit rows, newest first.
func (l *Log) List(limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.readAll()
	if err != nil {
		return nil, err
	}
	// Append order is chronological, so newest-first is just the reverse.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (l *Log) readAll() ([]Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []Row
	for _, line := range splitLines(data) {
		var row Row
		if json.Unmarshal(line, &row) == nil && row.ID != "" {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ReasonCount is one entry of the blocked-reason histogram.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// GovernanceSummary aggregates the trail for reporting.
type GovernanceSummary struct {
	Sent              int           `json:"sent"`
	Blocked           int           `json:"blocked"`
	TopBlockedReasons []ReasonCount `json:"top_blocked_reasons"`
	// InboundOnlyViolations lists row IDs where a channel that cannot send
	// nevertheless has a sent=true row. A healthy trail keeps this empty.
	InboundOnlyViolations []string `json:"inbound_only_violations,omitempty"`
}

// Summarize folds the whole trail. canSend reports whether a channel is
// capable of outbound delivery at all.
func (l *Log) Summarize(canSend func(channel string) bool) (GovernanceSummary, error) {
	rows, err := l.readAll()
	if err != nil {
		return GovernanceSummary{}, err
	}

	var summary GovernanceSummary
	reasons := make(map[string]int)
	for _, row := range rows {
		if row.Sent {
			summary.Sent++
			if canSend != nil && !canSend(row.Channel) {
				summary.InboundOnlyViolations = append(summary.InboundOnlyViolations, row.ID)
			}
			continue
		}
		summary.Blocked++
		reason := row.Reason
		if reason == "" {
			reason = row.Message
		}
		if reason != "" {
			reasons[reason]++
		}
	}

	for reason, count := range reasons {
		summary.TopBlockedReasons = append(summary.TopBlockedReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(summary.TopBlockedReasons, func(i, j int) bool {
		a, b := summary.TopBlockedReasons[i], summary.TopBlockedReasons[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})
	if len(summary.TopBlockedReasons) > 5 {
		summary.TopBlockedReasons = summary.TopBlockedReasons[:5]
	}
	return summary, nil
}
