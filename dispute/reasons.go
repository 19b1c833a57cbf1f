package dispute

import "fmt"

// ReasonCode is the customer's stated ground for the dispute.
type ReasonCode string

const (
	ReasonUnauthorizedTransaction ReasonCode = "unauthorized_transaction"
	ReasonIncorrectAmount         ReasonCode = "incorrect_amount"
	ReasonOther                   ReasonCode = "other"

	ReasonGoodsNotReceived ReasonCode = "goods_not_received"
	ReasonDefectiveProduct ReasonCode = "defective_product"
	ReasonDuplicateCharge  ReasonCode = "duplicate_charge"
	ReasonCancelledService ReasonCode = "cancelled_service"

	ReasonCashNotDispensed   ReasonCode = "cash_not_dispensed"
	ReasonCashDepositProblem ReasonCode = "cash_deposit_problem"
)

// reasonChannels lists the channels each reason is valid for.
var reasonChannels = map[ReasonCode][]Channel{
	ReasonUnauthorizedTransaction: {ChannelPOS, ChannelATM},
	ReasonIncorrectAmount:         {ChannelPOS, ChannelATM},
	ReasonOther:                   {ChannelPOS, ChannelATM},
	ReasonGoodsNotReceived:        {ChannelPOS},
	ReasonDefectiveProduct:        {ChannelPOS},
	ReasonDuplicateCharge:         {ChannelPOS},
	ReasonCancelledService:        {ChannelPOS},
	ReasonCashNotDispensed:        {ChannelATM},
	ReasonCashDepositProblem:      {ChannelATM},
}

// ReasonsFor returns the reason codes accepted for a channel.
func ReasonsFor(ch Channel) []ReasonCode {
	out := make([]ReasonCode, 0, len(reasonChannels))
	for _, r := range orderedReasons {
		for _, c := range reasonChannels[r] {
			if c == ch {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

var orderedReasons = []ReasonCode{
	ReasonUnauthorizedTransaction,
	ReasonIncorrectAmount,
	ReasonGoodsNotReceived,
	ReasonDefectiveProduct,
	ReasonDuplicateCharge,
	ReasonCancelledService,
	ReasonCashNotDispensed,
	ReasonCashDepositProblem,
	ReasonOther,
}

// ValidateReason checks the reason code exists and is allowed on the channel.
func ValidateReason(ch Channel, reason ReasonCode) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: channel %q", ErrInvalidInput, ch)
	}
	channels, ok := reasonChannels[reason]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	for _, c := range channels {
		if c == ch {
			return nil
		}
	}
	return fmt.Errorf("%w: %q on %s", ErrReasonChannelMismatch, reason, ch)
}
