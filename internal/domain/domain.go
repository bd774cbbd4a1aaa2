package domain

// Role is the class of execution domain a node runs as.
type Role string

const (
	RoleLocal Role = "local"
	RoleHub   Role = "hub"
	RoleMain  Role = "main"
)

type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobDisputed   JobStatus = "disputed"
)

type MilestoneState string

const (
	MilestonePending   MilestoneState = "pending"
	MilestoneFunded    MilestoneState = "funded"
	MilestoneSubmitted MilestoneState = "submitted"
	MilestoneReleased  MilestoneState = "released"
)

// MilestoneSpec is a proposed milestone before a job starts.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

type Milestone struct {
	Index       int            `json:"index"`
	Description string         `json:"description"`
	Amount      int64          `json:"amount"`
	State       MilestoneState `json:"state"`
}

type Submission struct {
	JobID       string `json:"job_id"`
	Milestone   int    `json:"milestone"`
	ApplicantID string `json:"applicant_id"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at"`
}

// Job is the hub's canonical record. CurrentMilestone is 1-based; zero means
// the job has not started.
type Job struct {
	ID                    string       `json:"id"`
	OriginDomain          uint32       `json:"origin_domain"`
	GiverID               string       `json:"giver_id"`
	ContentHash           string       `json:"content_hash"`
	Status                JobStatus    `json:"status"`
	CurrentMilestone      int          `json:"current_milestone"`
	Milestones            []Milestone  `json:"milestones"`
	SelectedApplicant     string       `json:"selected_applicant,omitempty"`
	SelectedApplicationID int          `json:"selected_application_id,omitempty"`
	ApplicantDomain       uint32       `json:"applicant_domain,omitempty"`
	Submissions           []Submission `json:"submissions,omitempty"`
	DisputeCount          int          `json:"dispute_count"`
	Halted                bool         `json:"halted"`
	CreatedAt             string       `json:"created_at"`
	UpdatedAt             string       `json:"updated_at"`
}

// Current returns the milestone at the current index.
func (j Job) Current() (Milestone, bool) {
	if j.CurrentMilestone < 1 || j.CurrentMilestone > len(j.Milestones) {
		return Milestone{}, false
	}
	return j.Milestones[j.CurrentMilestone-1], true
}

type Application struct {
	ID              int             `json:"id"`
	JobID           string          `json:"job_id"`
	ApplicantID     string          `json:"applicant_id"`
	ContentHash     string          `json:"content_hash"`
	Milestones      []MilestoneSpec `json:"milestones"`
	PreferredDomain uint32          `json:"preferred_domain"`
	CreatedAt       string          `json:"created_at"`
}

type EscrowRecord struct {
	JobID      string    `json:"job_id"`
	Locked     int64     `json:"locked"`
	Released   int64     `json:"released"`
	Commission int64     `json:"commission"`
	Refunded   int64     `json:"refunded"`
	Fundings   []Funding `json:"fundings,omitempty"`
}

type FundingStatus string

const (
	FundingBooked   FundingStatus = "booked"
	FundingRefunded FundingStatus = "refunded"
)

// Funding ties value a local domain routed to escrow:<job> to the hub
// transition that booked it, or to the refund issued when the hub refused
// that transition.
type Funding struct {
	TransferID       string        `json:"transfer_id"`
	JobID            string        `json:"job_id"`
	Purpose          string        `json:"purpose"`
	Payer            string        `json:"payer"`
	SourceDomain     uint32        `json:"source_domain"`
	Amount           int64         `json:"amount"`
	Status           FundingStatus `json:"status"`
	RefundTransferID string        `json:"refund_transfer_id,omitempty"`
	CreatedAt        string        `json:"created_at"`
}

type TransferKind string

const (
	TransferRelease        TransferKind = "release"
	TransferDisputeRelease TransferKind = "dispute_release"
	TransferRefund         TransferKind = "refund"
	TransferFeePayout      TransferKind = "fee_payout"
	TransferFunding        TransferKind = "funding"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSent      TransferStatus = "sent"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is a value movement handed to the burn/mint capability. Amount is
// the net amount that leaves the domain.
type Transfer struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id,omitempty"`
	Kind         TransferKind   `json:"kind"`
	Amount       int64          `json:"amount"`
	Commission   int64          `json:"commission"`
	TargetDomain uint32         `json:"target_domain"`
	Recipient    string         `json:"recipient"`
	Status       TransferStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	Attestation  string         `json:"attestation,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type DisputeOutcome string

const (
	OutcomeNone  DisputeOutcome = ""
	OutcomeGiver DisputeOutcome = "giver"
	OutcomeTaker DisputeOutcome = "taker"
)

type Dispute struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	RaiserID       string         `json:"raiser_id"`
	EvidenceHash   string         `json:"evidence_hash"`
	OracleGroup    string         `json:"oracle_group"`
	Fee            int64          `json:"fee"`
	DisputedAmount int64          `json:"disputed_amount"`
	SourceDomain   uint32         `json:"source_domain"`
	VotingOpenedAt string         `json:"voting_opened_at"`
	VotingEndsAt   string         `json:"voting_ends_at"`
	Votes          []Vote         `json:"votes"`
	Resolved       bool           `json:"resolved"`
	Outcome        DisputeOutcome `json:"outcome,omitempty"`
	PowerForGiver  int64          `json:"power_for_giver"`
	PowerForTaker  int64          `json:"power_for_taker"`
	SettledAt      string         `json:"settled_at,omitempty"`
}

type Vote struct {
	DisputeID      string `json:"dispute_id"`
	VoterID        string `json:"voter_id"`
	InFavorOfGiver bool   `json:"in_favor_of_giver"`
	VotingPower    int64  `json:"voting_power"`
	ClaimAddress   string `json:"claim_address"`
	FeeShare       int64  `json:"fee_share"`
	CastAt         string `json:"cast_at"`
}

// RewardState is the global band cursor.
type RewardState struct {
	CumulativeVolume int64 `json:"cumulative_volume"`
	CurrentBand      int   `json:"current_band"`
}

// BandEarning is the locked-at-award amount a user earned in one band.
type BandEarning struct {
	Band   int   `json:"band"`
	Earned int64 `json:"earned"`
}

type RewardAccount struct {
	UserID            string        `json:"user_id"`
	Earned            int64         `json:"earned"`
	Unlocked          int64         `json:"unlocked"`
	Claimed           int64         `json:"claimed"`
	Claimable         int64         `json:"claimable"`
	Locked            int64         `json:"locked"`
	GovernanceActions int64         `json:"governance_actions"`
	Referrer          string        `json:"referrer,omitempty"`
	Bands             []BandEarning `json:"bands,omitempty"`
}

type Profile struct {
	UserID          string `json:"user_id"`
	ContentHash     string `json:"content_hash"`
	Referrer        string `json:"referrer,omitempty"`
	PreferredDomain uint32 `json:"preferred_domain"`
	HomeDomain      uint32 `json:"home_domain"`
	CreatedAt       string `json:"created_at"`
}

// StakePosition multiplier is expressed in tenths (15 = 1.5x).
type StakePosition struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	Duration   string `json:"duration"`
	Multiplier int64  `json:"multiplier"`
	Delegatee  string `json:"delegatee,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// Support values for proposal votes.
type Support int

const (
	SupportAgainst Support = 0
	SupportFor     Support = 1
	SupportAbstain Support = 2
)

type Proposal struct {
	ID          string `json:"id"`
	ProposerID  string `json:"proposer_id"`
	Description string `json:"description"`
	For         int64  `json:"for"`
	Against     int64  `json:"against"`
	Abstain     int64  `json:"abstain"`
	CreatedAt   string `json:"created_at"`
	EndsAt      string `json:"ends_at"`
}

type ProposalVote struct {
	ProposalID string  `json:"proposal_id"`
	VoterID    string  `json:"voter_id"`
	Support    Support `json:"support"`
	Power      int64   `json:"power"`
	CastAt     string  `json:"cast_at"`
}

// Event is an entry of a node's append-only effect log.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

// JobMirror is a local domain's read copy of a hub job.
type JobMirror struct {
	Job          Job           `json:"job"`
	Applications []Application `json:"applications,omitempty"`
	Pending      bool          `json:"pending"`
	SyncedAt     string        `json:"synced_at,omitempty"`
}

type DisputeMirror struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id"`
	GiverWins     bool   `json:"giver_wins"`
	Resolved      bool   `json:"resolved"`
	PowerForGiver int64  `json:"power_for_giver"`
	PowerForTaker int64  `json:"power_for_taker"`
	UpdatedAt     string `json:"updated_at"`
}
