package heal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HealPriority int

const (
	PriorityLow HealPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p HealPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p HealPriority) valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p HealPriority) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidArgument, int(p))
	}
	return []byte(p.String()), nil
}

func (p *HealPriority) UnmarshalText(text []byte) error {
	parsed, err := ParseHealPriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParseHealPriority(s string) (HealPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
}

func maxPriority(a, b HealPriority) HealPriority {
	if a > b {
		return a
	}
	return b
}

type HealScanMode int

const (
	HealNormalScan HealScanMode = iota
	// HealDeepScan also verifies the checksums of every healed object
	HealDeepScan
)

type HealOptions struct {
	DryRun          bool          `json:"dry_run,omitempty"`
	Recursive       bool          `json:"recursive,omitempty"`
	RemoveCorrupted bool          `json:"remove_corrupted,omitempty"`
	UpdateParity    bool          `json:"update_parity,omitempty"`
	ScanMode        HealScanMode  `json:"scan_mode,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// HealRequest is an immutable description of a repair. It is consumed once,
// by HealManager.Submit.
type HealRequest struct {
	ID        string
	HealType  HealType
	Options   HealOptions
	Priority  HealPriority
	CreatedAt time.Time
}

// NewHealRequest validates healType and returns a request with a new id.
func NewHealRequest(healType HealType, options HealOptions, priority HealPriority) (*HealRequest, error) {
	req := &HealRequest{
		ID:        uuid.NewString(),
		HealType:  healType,
		Options:   options,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *HealRequest) Validate() error {
	if r == nil || r.HealType == nil {
		return fmt.Errorf("%w: missing heal type", ErrInvalidHealType)
	}
	if !r.Priority.valid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, int(r.Priority))
	}
	if r.Options.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidArgument, r.Options.Timeout)
	}
	return r.HealType.Validate()
}

func (r *HealRequest) String() string {
	return fmt.Sprintf("%s %s (%s)", r.HealType.Kind(), r.HealType.Key(), r.Priority)
}

type HealTaskStatus int

const (
	StatusPending HealTaskStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s HealTaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s HealTaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *HealTaskStatus) UnmarshalText(text []byte) error {
	for status := StatusPending; status <= StatusCancelled; status++ {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("%w: task status %q", ErrInvalidArgument, text)
}

func (s HealTaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition: Running goes back to Pending when a transient error is retried.
func (s HealTaskStatus) canTransition(to HealTaskStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusPending
	}
	return false
}
