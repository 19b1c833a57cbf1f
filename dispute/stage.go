package dispute

import "fmt"

// Stage is the human-facing routing label for a case.
type Stage struct {
	Key         string
	Label       string
	Responsible Party
}

// StageUnknown is returned alongside ErrUnknownStage.
var StageUnknown = Stage{Key: "unknown", Label: "Unknown stage"}

type stageKey struct {
	status  Status
	channel Channel
}

var stages = map[stageKey]Stage{
	{StatusPendingAtOperator, ChannelPOS}: {Key: "operator_review", Label: "Operator review", Responsible: PartyOperator},
	{StatusPendingAtOperator, ChannelATM}: {Key: "operator_review", Label: "Operator review", Responsible: PartyOperator},

	{StatusPendingAtBank, ChannelPOS}: {Key: "bank_card_network", Label: "Operator → Bank → Card-network backend", Responsible: PartyBank},
	{StatusPendingAtBank, ChannelATM}: {Key: "bank_atm_switch", Label: "Operator → Bank → ATM-switch backend", Responsible: PartyBank},

	{StatusPendingAdditionalInfo, ChannelPOS}: {Key: "awaiting_customer", Label: "Awaiting customer documents", Responsible: PartyCustomer},
	{StatusPendingAdditionalInfo, ChannelATM}: {Key: "awaiting_customer", Label: "Awaiting customer documents", Responsible: PartyCustomer},

	{StatusApproved, ChannelPOS}: {Key: "closed_approved", Label: "Closed: refund approved", Responsible: PartyOperator},
	{StatusApproved, ChannelATM}: {Key: "closed_approved", Label: "Closed: refund approved", Responsible: PartyOperator},

	{StatusRejected, ChannelPOS}: {Key: "closed_rejected", Label: "Closed: dispute rejected", Responsible: PartyOperator},
	{StatusRejected, ChannelATM}: {Key: "closed_rejected", Label: "Closed: dispute rejected", Responsible: PartyOperator},
}

// DeriveStage maps the case's status and channel to its display stage.
func DeriveStage(c Case) (Stage, error) {
	return StageFor(c.Status, c.Channel)
}

// StageFor is DeriveStage on a bare (status, channel) pair.
func StageFor(status Status, channel Channel) (Stage, error) {
	st, ok := stages[stageKey{status, channel}]
	if !ok {
		return StageUnknown, fmt.Errorf("%w: %s/%s", ErrUnknownStage, status, channel)
	}
	return st, nil
}
