package server

import "openwork/internal/config"

// Request payloads

type VoteRequest struct {
	InFavorOfGiver bool   `json:"in_favor_of_giver"`
	ClaimAddress   string `json:"claim_address" minLength:"1"`
}

type RetryTransferRequest struct {
	TransferID string `json:"transfer_id" minLength:"1"`
}

// Response payloads

type AmountResponse struct {
	Micro   int64  `json:"micro"`
	Display string `json:"display" example:"12.5"`
}

type TreasuryResponse struct {
	Balance AmountResponse `json:"balance"`
}

func amount(v int64) AmountResponse {
	return AmountResponse{Micro: v, Display: config.Amount(v).String()}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
