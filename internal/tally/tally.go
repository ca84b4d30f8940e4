// Package tally resolves the outcome of a voting session. It has no I/O and
// is shared by vote intake, session close and the votes read model.
package tally

import (
	"github.com/samber/lo"

	"concord/internal/domain"
)

// Rules are the parameters frozen on a session when it opened.
type Rules struct {
	Threshold        float64
	RequireQuorum    bool
	QuorumPercentage float64
}

// Counts is the running per-choice tally.
type Counts struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

func (c Counts) Total() int {
	return c.Approve + c.Reject + c.Abstain
}

// Result is the full outcome of a tally.
type Result struct {
	Counts
	TotalVotes          int     `json:"total_votes"`
	TotalEligibleVoters int     `json:"total_eligible_voters"`
	ApprovalRate        float64 `json:"approval_rate"`
	Threshold           float64 `json:"threshold"`
	QuorumMet           bool    `json:"quorum_met"`
	FinalResult         string  `json:"final_result"`
	ResultingStatus     string  `json:"resulting_status"`
}

// Count buckets choices. Unknown values are ignored.
func Count(choices []string) Counts {
	by := lo.CountValues(choices)
	return Counts{
		Approve: by[domain.ChoiceApprove],
		Reject:  by[domain.ChoiceReject],
		Abstain: by[domain.ChoiceAbstain],
	}
}

// Compute applies rules to the recorded choices.
//
// Abstentions count toward quorum but not toward the approval rate. With no
// approve or reject votes the rate is 0, so a session of only abstentions
// rejects for any positive threshold. When quorum is required but nobody is
// eligible the quorum check is skipped.
func Compute(choices []string, rules Rules, eligible int) Result {
	c := Count(choices)
	res := Result{
		Counts:              c,
		TotalVotes:          c.Total(),
		TotalEligibleVoters: eligible,
		Threshold:           rules.Threshold,
		QuorumMet:           true,
	}
	if decisive := c.Approve + c.Reject; decisive > 0 {
		res.ApprovalRate = float64(c.Approve) / float64(decisive)
	}
	if rules.RequireQuorum && eligible > 0 {
		res.QuorumMet = float64(res.TotalVotes)/float64(eligible) >= rules.QuorumPercentage
	}
	switch {
	case !res.QuorumMet:
		res.FinalResult = domain.ResultQuorumNotMet
		res.ResultingStatus = domain.ResolutionRejected
	case res.ApprovalRate >= rules.Threshold:
		res.FinalResult = domain.ResultPassed
		res.ResultingStatus = domain.ResolutionPassed
	default:
		res.FinalResult = domain.ResultRejected
		res.ResultingStatus = domain.ResolutionRejected
	}
	return res
}
