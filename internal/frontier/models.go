package frontier

import (
	"fmt"
	"time"

	"github.com/masahif/crawlfrontier/internal/urlid"
)

// CrawlRequest is a unit of crawl work
type CrawlRequest struct {
	URL           string     // Normalized URL
	URLHash       urlid.Hash // Primary key derived from URL
	ReferrerHash  urlid.Hash // Hash of the discovering page, urlid.RootReferrer for start URLs
	ProfileHandle string     // Governing crawl profile
	InitiatorID   string     // Actor that requested the crawl
	Depth         int        // Distance from the profile's start URLs
	AppearedAt    time.Time  // When the URL was discovered (UTC)
	AnchorText    string     // Text of the discovering link, diagnostic only
}

// Host returns the host[:port] the request targets
func (r CrawlRequest) Host() string {
	return urlid.Host(r.URL)
}

// Reason is the machine-readable cause of an admission rejection
type Reason string

// Rejection reasons, in the order the stacker evaluates them
const (
	ReasonMalformedURL        Reason = "malformed-url"
	ReasonDepthExceeded       Reason = "depth-exceeded"
	ReasonFilterMismatch      Reason = "filter-mismatch"
	ReasonAlreadySeen         Reason = "already-seen"
	ReasonBlacklisted         Reason = "blacklisted"
	ReasonDomainQuotaExceeded Reason = "domain-quota-exceeded"
	ReasonNotDueForRevisit    Reason = "not-due-for-revisit"
)

// Decision is the result of stacking one candidate URL
type Decision struct {
	Accepted bool
	Reason   Reason       // Empty when accepted
	Detail   string       // Human-readable context for the rejection
	Request  CrawlRequest // Populated as far as admission got (always complete when accepted)
}

func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	if d.Detail == "" {
		return "rejected(" + string(d.Reason) + ")"
	}
	return fmt.Sprintf("rejected(%s): %s", d.Reason, d.Detail)
}

func accepted(req CrawlRequest) Decision {
	return Decision{Accepted: true, Request: req}
}

func rejected(req CrawlRequest, reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail, Request: req}
}

// OutcomeKind classifies the result of fetching a dequeued request
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient-failure"
	case OutcomePermanentFailure:
		return "permanent-failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is reported by the fetch pipeline for every dequeued request
type Outcome struct {
	Kind   OutcomeKind
	Reason string // Failure description, recorded in the error store
}

// Success reports a fetched and indexed request
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// TransientFailure reports a retryable failure (timeout, refused connection, 5xx)
func TransientFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Reason: reason}
}

// PermanentFailure reports a failure that must not be retried automatically
func PermanentFailure(reason string) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Reason: reason}
}

// SeenReason records why a URL is tombstoned in the seen store
type SeenReason string

const (
	SeenIndexed         SeenReason = "indexed"
	SeenRejected        SeenReason = "rejected"
	SeenManuallyDeleted SeenReason = "manually-deleted"
)

// Valid reports whether r is a known seen reason
func (r SeenReason) Valid() bool {
	switch r {
	case SeenIndexed, SeenRejected, SeenManuallyDeleted:
		return true
	}
	return false
}

// SeenRecord is a "do not re-enqueue" tombstone
type SeenRecord struct {
	URLHash   urlid.Hash
	URL       string
	Reason    SeenReason
	Timestamp time.Time
}

// ErrorRecord tracks failures of a URL
type ErrorRecord struct {
	URLHash      urlid.Hash
	URL          string
	ReasonText   string
	FailureCount int
	LastAttempt  time.Time
}

// RequestState is the queue lifecycle state of a request
type RequestState string

const (
	StateQueued   RequestState = "queued"
	StateDequeued RequestState = "dequeued"
)

// QueueEntry is the persisted form of a request held by the queue
type QueueEntry struct {
	Request    CrawlRequest
	State      RequestState
	Delay      time.Duration // Politeness delay resolved at admission
	LeaseUntil time.Time     // Zero unless dequeued
	Attempts   int           // Number of times the request was dequeued
}

// AcceptedCount is the number of pages a profile accepted for one host
type AcceptedCount struct {
	ProfileHandle string
	Host          string
	Count         int
}

// DomainCounter is the per-host admission and politeness state
type DomainCounter struct {
	Host            string
	AcceptedCount   int // Summed over all profiles
	NextAllowedTime time.Time
}

// HostStat describes one host's slice of the queue
type HostStat struct {
	Host            string
	Queued          int
	InFlight        int
	NextAllowedTime time.Time
}

// QueueStats summarizes the queue
type QueueStats struct {
	Queued   int
	InFlight int
	Hosts    int
	Paused   bool
}
