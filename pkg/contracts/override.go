package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReviewerRole is the authority under which a human override is issued.
type ReviewerRole string

const (
	RoleSeniorReviewer      ReviewerRole = "senior_reviewer"
	RoleEthicsOfficer       ReviewerRole = "ethics_officer"
	RoleLegalCounsel        ReviewerRole = "legal_counsel"
	RoleTechnicalLead       ReviewerRole = "technical_lead"
	RoleGovernanceBoard     ReviewerRole = "governance_board"
	RoleAuditor             ReviewerRole = "auditor"
	RoleSystemAdministrator ReviewerRole = "system_administrator"
)

// ValidReviewerRoles lists every role accepted by the override pipeline.
var ValidReviewerRoles = []ReviewerRole{
	RoleSeniorReviewer,
	RoleEthicsOfficer,
	RoleLegalCounsel,
	RoleTechnicalLead,
	RoleGovernanceBoard,
	RoleAuditor,
	RoleSystemAdministrator,
}

// Reviewer identifies the human issuing an override.
type Reviewer struct {
	ReviewerID   string       `json:"reviewer_id"`
	ReviewerRole ReviewerRole `json:"reviewer_role"`
	Name         string       `json:"name,omitempty"`
	Email        string       `json:"email,omitempty"`
}

const (
	justificationMinLen = 10
	justificationMaxLen = 10000

	// Placeholder bodies shorter than this are rejected outright; longer
	// text containing a placeholder word is assumed to be substantive.
	placeholderMaxLen = 40
)

var placeholderPatterns = []string{"todo", "tbd", "placeholder", "fixme", "xxx", "n/a", "asdf", "test"}

// OverrideRequest is a validated human request to replace a decision's
// verdict. Construct with NewOverrideRequest; a zero value is not valid.
type OverrideRequest struct {
	RequestID       string     `json:"request_id"`
	Reviewer        Reviewer   `json:"reviewer"`
	DecisionID      string     `json:"decision_id"`
	OriginalOutcome Verdict    `json:"original_outcome,omitempty"`
	ProposedOutcome Verdict    `json:"proposed_outcome"`
	Justification   string     `json:"justification"`
	ReasonCategory  string     `json:"reason_category,omitempty"`
	Priority        int        `json:"priority"`
	IsUrgent        bool       `json:"is_urgent"`
	Timestamp       time.Time  `json:"timestamp"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	SupportingDocuments []string       `json:"supporting_documents,omitempty"`
	StakeholderInput    map[string]any `json:"stakeholder_input,omitempty"`
}

// NewOverrideRequest builds and validates an override request. The request
// id is generated when empty so retries can supply their own for
// idempotent event logging.
func NewOverrideRequest(req OverrideRequest) (*OverrideRequest, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *OverrideRequest) validate() error {
	if strings.TrimSpace(r.Reviewer.ReviewerID) == "" {
		return fmt.Errorf("reviewer_id is empty")
	}
	if !validRole(r.Reviewer.ReviewerRole) {
		return fmt.Errorf("reviewer_role %q is not recognized", r.Reviewer.ReviewerRole)
	}
	if strings.TrimSpace(r.DecisionID) == "" {
		return fmt.Errorf("decision_id is empty")
	}
	if !r.ProposedOutcome.IsDecisionVerdict() {
		return fmt.Errorf("proposed_outcome %q is not a decision verdict", r.ProposedOutcome)
	}
	if r.OriginalOutcome != "" {
		if !r.OriginalOutcome.IsDecisionVerdict() {
			return fmt.Errorf("original_outcome %q is not a decision verdict", r.OriginalOutcome)
		}
		if r.OriginalOutcome == r.ProposedOutcome {
			return fmt.Errorf("proposed_outcome must differ from original_outcome %q", r.OriginalOutcome)
		}
	}
	if err := validateJustification(r.Justification); err != nil {
		return err
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("priority %d outside [0,10]", r.Priority)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(r.Timestamp) {
		return fmt.Errorf("expires_at must be strictly after the request timestamp")
	}
	return nil
}

func validateJustification(j string) error {
	trimmed := strings.TrimSpace(j)
	if trimmed == "" {
		return fmt.Errorf("justification is empty or whitespace-only")
	}
	if len(j) < justificationMinLen || len(j) > justificationMaxLen {
		return fmt.Errorf("justification length %d outside [%d,%d]", len(j), justificationMinLen, justificationMaxLen)
	}
	if len(trimmed) <= placeholderMaxLen {
		lower := strings.ToLower(trimmed)
		for _, p := range placeholderPatterns {
			if strings.Contains(lower, p) {
				return fmt.Errorf("justification appears to be a placeholder (%q)", p)
			}
		}
	}
	return nil
}

// Expired reports whether the request has lapsed as of now.
func (r *OverrideRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func validRole(role ReviewerRole) bool {
	for _, v := range ValidReviewerRoles {
		if role == v {
			return true
		}
	}
	return false
}
