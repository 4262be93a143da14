// Package model holds the wire and in-memory shapes shared by every
// component: the payment record the cluster agrees on, and the log
// entries Consensus appends.
package model

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Status values a PaymentRecord can be in. A record is immutable after
// commit except for this field.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// PaymentRecord is the unit the cluster replicates. Amount is a float64
// end to end, matching the JSON contract of POST /payment; bounds checks
// against MaxAmount (internal/validate) compare it directly.
type PaymentRecord struct {
	ID         string  `json:"id"`
	Amount     float64 `json:"amount"`
	Sender     string  `json:"sender"`
	Receiver   string  `json:"receiver"`
	Timestamp  float64 `json:"timestamp"`
	Status     string  `json:"status"`
	OriginNode string  `json:"node_id"`
}

// NewPaymentRecord mints a record with a fresh id and pending status. The
// caller stamps Timestamp with cluster time before proposing it.
func NewPaymentRecord(amount float64, sender, receiver, originNode string) PaymentRecord {
	return PaymentRecord{
		ID:         uuid.NewString(),
		Amount:     amount,
		Sender:     strings.TrimSpace(sender),
		Receiver:   strings.TrimSpace(receiver),
		Status:     StatusPending,
		OriginNode: originNode,
	}
}

// LogEntry is a (term, record id) pair. The log never carries payloads —
// those travel over the replicator (see SPEC_FULL.md §3).
type LogEntry struct {
	Term     int64  `json:"term"`
	RecordID string `json:"record_id"`
}

// SortByTimestamp orders records by cluster timestamp, breaking ties by
// origin node then id, since timestamps alone are not a total order
// (SPEC_FULL.md §5, "Ordering guarantees").
func SortByTimestamp(records []PaymentRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.OriginNode != b.OriginNode {
			return a.OriginNode < b.OriginNode
		}
		return a.ID < b.ID
	})
}
