package domain

import "encoding/json"

// MessageKind names a cross-domain message. The set is closed.
type MessageKind string

// Local domain to hub.
const (
	KindJobPosted                MessageKind = "job.posted"
	KindJobApplied               MessageKind = "job.applied"
	KindJobStarted               MessageKind = "job.started"
	KindDirectContract           MessageKind = "job.direct_contract"
	KindWorkSubmitted            MessageKind = "work.submitted"
	KindMilestoneLocked          MessageKind = "milestone.locked"
	KindPaymentReleased          MessageKind = "payment.released"
	KindPaymentReleasedAndLocked MessageKind = "payment.released_and_locked"
	KindDisputeRaised            MessageKind = "dispute.raised"
	KindProfileCreated           MessageKind = "profile.created"
)

// Main domain to hub.
const (
	KindStakeUpdated     MessageKind = "stake.updated"
	KindGovernanceAction MessageKind = "governance.action"
	KindRewardsClaimed   MessageKind = "rewards.claimed"
)

// Hub to local and main domains.
const (
	KindJobSynced          MessageKind = "job.synced"
	KindDisputeFinalized   MessageKind = "dispute.finalized"
	KindClaimableSynced    MessageKind = "rewards.claimable_synced"
	KindReferrerRecorded   MessageKind = "profile.referrer"
	KindDelegationRecorded MessageKind = "stake.delegation"
)

// Router control messages, any direction.
const (
	KindRejected      MessageKind = "router.rejected"
	KindResendRequest MessageKind = "router.resend_request"
)

var knownKinds = map[MessageKind]struct{}{
	KindJobPosted: {}, KindJobApplied: {}, KindJobStarted: {}, KindDirectContract: {},
	KindWorkSubmitted: {}, KindMilestoneLocked: {}, KindPaymentReleased: {},
	KindPaymentReleasedAndLocked: {}, KindDisputeRaised: {}, KindProfileCreated: {},
	KindStakeUpdated: {}, KindGovernanceAction: {}, KindRewardsClaimed: {},
	KindJobSynced: {}, KindDisputeFinalized: {}, KindClaimableSynced: {},
	KindReferrerRecorded: {}, KindDelegationRecorded: {},
	KindRejected: {}, KindResendRequest: {},
}

// Known reports whether k is part of the message catalogue.
func (k MessageKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Message is the envelope carried by the transport. Sequence is assigned per
// (Source, Destination) pair and starts at 1.
type Message struct {
	ID          string          `json:"id"`
	Source      uint32          `json:"source"`
	Destination uint32          `json:"destination"`
	Sequence    uint64          `json:"sequence"`
	Kind        MessageKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	SentAt      string          `json:"sent_at"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type PostJobPayload struct {
	JobID       string          `json:"job_id"`
	GiverID     string          `json:"giver_id"`
	ContentHash string          `json:"content_hash"`
	Milestones  []MilestoneSpec `json:"milestones"`
}

type ApplyPayload struct {
	JobID           string          `json:"job_id"`
	ApplicantID     string          `json:"applicant_id"`
	ContentHash     string          `json:"content_hash"`
	Milestones      []MilestoneSpec `json:"milestones"`
	PreferredDomain uint32          `json:"preferred_domain"`
}

// StartPayload travels with the first milestone's funds.
type StartPayload struct {
	JobID                  string `json:"job_id"`
	GiverID                string `json:"giver_id"`
	ApplicationID          int    `json:"application_id"`
	UseApplicantMilestones bool   `json:"use_applicant_milestones"`
	FundedAmount           int64  `json:"funded_amount"`
	FundingTransferID      string `json:"funding_transfer_id,omitempty"`
}

type DirectContractPayload struct {
	JobID             string          `json:"job_id"`
	GiverID           string          `json:"giver_id"`
	TakerID           string          `json:"taker_id"`
	ContentHash       string          `json:"content_hash"`
	Milestones        []MilestoneSpec `json:"milestones"`
	TakerDomain       uint32          `json:"taker_domain"`
	FundedAmount      int64           `json:"funded_amount"`
	FundingTransferID string          `json:"funding_transfer_id,omitempty"`
}

type SubmitPayload struct {
	JobID       string `json:"job_id"`
	ApplicantID string `json:"applicant_id"`
	ContentHash string `json:"content_hash"`
}

type LockPayload struct {
	JobID             string `json:"job_id"`
	GiverID           string `json:"giver_id"`
	FundedAmount      int64  `json:"funded_amount"`
	FundingTransferID string `json:"funding_transfer_id,omitempty"`
}

type ReleasePayload struct {
	JobID   string `json:"job_id"`
	GiverID string `json:"giver_id"`
}

// DisputePayload carries the fee; FundingTransferID names the local
// transfer that moved it to the hub.
type DisputePayload struct {
	JobID             string `json:"job_id"`
	RaiserID          string `json:"raiser_id"`
	EvidenceHash      string `json:"evidence_hash"`
	OracleGroup       string `json:"oracle_group"`
	Fee               int64  `json:"fee"`
	DisputedAmount    int64  `json:"disputed_amount"`
	FundingTransferID string `json:"funding_transfer_id,omitempty"`
}

type ProfilePayload struct {
	UserID          string `json:"user_id"`
	ContentHash     string `json:"content_hash"`
	Referrer        string `json:"referrer,omitempty"`
	PreferredDomain uint32 `json:"preferred_domain"`
}

type StakePayload struct {
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Duration string `json:"duration"`
}

type GovernanceActionPayload struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
	RefID  string `json:"ref_id,omitempty"`
}

type ClaimedPayload struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type JobSyncedPayload struct {
	Job          Job           `json:"job"`
	Applications []Application `json:"applications,omitempty"`
}

type DisputeFinalizedPayload struct {
	DisputeID     string `json:"dispute_id"`
	JobID         string `json:"job_id"`
	GiverWins     bool   `json:"giver_wins"`
	PowerForGiver int64  `json:"power_for_giver"`
	PowerForTaker int64  `json:"power_for_taker"`
	Votes         int    `json:"votes"`
}

// ClaimableSyncedPayload carries cumulative figures so the receiver can
// derive its claimable balance without double counting in-flight claims.
type ClaimableSyncedPayload struct {
	UserID    string `json:"user_id"`
	Unlocked  int64  `json:"unlocked"`
	Claimed   int64  `json:"claimed"`
	Claimable int64  `json:"claimable"`
}

type ReferrerPayload struct {
	UserID   string `json:"user_id"`
	Referrer string `json:"referrer"`
}

type DelegationPayload struct {
	UserID    string `json:"user_id"`
	Delegatee string `json:"delegatee,omitempty"`
}

type RejectedPayload struct {
	Sequence uint64          `json:"sequence"`
	Kind     MessageKind     `json:"kind"`
	MsgID    string          `json:"msg_id"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type ResendRequestPayload struct {
	From uint64 `json:"from"`
}
