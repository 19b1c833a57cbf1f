package dispute

import (
	"errors"
	"testing"
)

func TestValidateTransition_TerminalClosure(t *testing.T) {
	for _, from := range []Status{StatusApproved, StatusRejected} {
		for _, ev := range AllEvents {
			if _, err := ValidateTransition(from, ev, Evidence{}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", ev, from, err)
			}
		}
	}
}

func TestValidateTransition_Table(t *testing.T) {
	missing := Evidence{Requested: []DocumentType{DocumentReceipt}, Missing: []DocumentType{DocumentReceipt}, ReturnTo: StatusPendingAtBank}
	supplied := Evidence{Requested: []DocumentType{DocumentReceipt}, ReturnTo: StatusPendingAtBank}

	cases := []struct {
		name     string
		from     Status
		event    Event
		evidence Evidence
		want     Status
		noop     bool
		err      error
	}{
		{"forward from operator", StatusPendingAtOperator, EventForwardToBank, Evidence{}, StatusPendingAtBank, false, nil},
		{"forward twice", StatusPendingAtBank, EventForwardToBank, Evidence{}, StatusPendingAtBank, false, ErrInvalidTransition},
		{"forward while waiting", StatusPendingAdditionalInfo, EventForwardToBank, missing, StatusPendingAdditionalInfo, false, ErrInvalidTransition},
		{"request info at operator", StatusPendingAtOperator, EventRequestInfo, Evidence{}, StatusPendingAdditionalInfo, false, nil},
		{"request info at bank", StatusPendingAtBank, EventRequestInfo, Evidence{}, StatusPendingAdditionalInfo, false, nil},
		{"request info again", StatusPendingAdditionalInfo, EventRequestInfo, missing, StatusPendingAdditionalInfo, true, nil},
		{"satisfied returns to bank", StatusPendingAdditionalInfo, EventInfoSatisfied, supplied, StatusPendingAtBank, false, nil},
		{"satisfied with gaps", StatusPendingAdditionalInfo, EventInfoSatisfied, missing, StatusPendingAdditionalInfo, false, ErrMissingRequiredEvidence},
		{"satisfied outside request", StatusPendingAtBank, EventInfoSatisfied, Evidence{}, StatusPendingAtBank, false, ErrInvalidTransition},
		{"satisfied without return state", StatusPendingAdditionalInfo, EventInfoSatisfied, Evidence{}, StatusPendingAdditionalInfo, false, ErrInvalidTransition},
		{"approve at bank", StatusPendingAtBank, EventApprove, Evidence{}, StatusApproved, false, nil},
		{"approve at operator", StatusPendingAtOperator, EventApprove, Evidence{}, StatusApproved, false, nil},
		{"reject at bank", StatusPendingAtBank, EventReject, Evidence{}, StatusRejected, false, nil},
		{"approve with missing docs", StatusPendingAdditionalInfo, EventApprove, missing, StatusPendingAdditionalInfo, false, ErrMissingRequiredEvidence},
		{"reject with missing docs", StatusPendingAdditionalInfo, EventReject, missing, StatusPendingAdditionalInfo, false, ErrMissingRequiredEvidence},
		{"approve with docs supplied", StatusPendingAdditionalInfo, EventApprove, supplied, StatusApproved, false, nil},
		{"unknown event", StatusPendingAtBank, Event("escalate"), Evidence{}, StatusPendingAtBank, false, ErrInvalidTransition},
		{"unknown status", Status("pending"), EventApprove, Evidence{}, Status("pending"), false, ErrInvalidTransition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateTransition(tc.from, tc.event, tc.evidence)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.To != tc.want || got.NoOp != tc.noop || got.From != tc.from {
				t.Fatalf("got %+v, want to=%s noop=%v", got, tc.want, tc.noop)
			}
		})
	}
}

func TestValidateReason_ChannelMatrix(t *testing.T) {
	if err := ValidateReason(ChannelPOS, ReasonCashNotDispensed); !errors.Is(err, ErrReasonChannelMismatch) || !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected channel mismatch for POS cash_not_dispensed, got %v", err)
	}
	if err := ValidateReason(ChannelATM, ReasonGoodsNotReceived); !errors.Is(err, ErrReasonChannelMismatch) {
		t.Fatalf("expected channel mismatch for ATM goods_not_received, got %v", err)
	}
	if err := ValidateReason(ChannelATM, ReasonCode("chargeback_fraud")); !errors.Is(err, ErrInvalidReason) || errors.Is(err, ErrReasonChannelMismatch) {
		t.Fatalf("expected plain ErrInvalidReason for unknown code, got %v", err)
	}
	if err := ValidateReason(Channel("WEB"), ReasonOther); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown channel, got %v", err)
	}
	if KindOf(ValidateReason(ChannelPOS, ReasonCashDepositProblem)) != KindValidation {
		t.Fatal("reason mismatch must be a validation error")
	}

	for _, ch := range AllChannels {
		for _, r := range ReasonsFor(ch) {
			if err := ValidateReason(ch, r); err != nil {
				t.Fatalf("%s listed for %s but rejected: %v", r, ch, err)
			}
		}
	}
	if len(ReasonsFor(ChannelPOS)) != 7 || len(ReasonsFor(ChannelATM)) != 5 {
		t.Fatalf("unexpected reason counts: POS %d ATM %d", len(ReasonsFor(ChannelPOS)), len(ReasonsFor(ChannelATM)))
	}
}

func TestDeriveStage_Total(t *testing.T) {
	for _, st := range AllStatuses {
		for _, ch := range AllChannels {
			stage, err := StageFor(st, ch)
			if err != nil {
				t.Fatalf("%s/%s: unexpected error %v", st, ch, err)
			}
			if stage.Label == "" || stage.Responsible == "" {
				t.Fatalf("%s/%s: incomplete stage %+v", st, ch, stage)
			}
		}
	}

	pos, _ := DeriveStage(Case{Status: StatusPendingAtBank, Channel: ChannelPOS})
	if pos.Label != "Operator → Bank → Card-network backend" {
		t.Fatalf("unexpected POS bank stage %q", pos.Label)
	}
	atm, _ := DeriveStage(Case{Status: StatusPendingAtBank, Channel: ChannelATM})
	if atm.Label != "Operator → Bank → ATM-switch backend" {
		t.Fatalf("unexpected ATM bank stage %q", atm.Label)
	}

	stage, err := DeriveStage(Case{Status: StatusPendingAtBank, Channel: Channel("WEB")})
	if !errors.Is(err, ErrUnknownStage) || stage != StageUnknown {
		t.Fatalf("expected unknown stage, got %+v %v", stage, err)
	}
}

func TestMoney(t *testing.T) {
	cases := []struct {
		m    Money
		want string
	}{
		{Money{Currency: "TRY", Minor: 50000}, "500.00 TRY"},
		{Money{Currency: "JPY", Minor: 1200}, "1200 JPY"},
		{Money{Currency: "KWD", Minor: 1500}, "1.500 KWD"},
	}
	for _, tc := range cases {
		if got := tc.m.String(); got != tc.want {
			t.Fatalf("expected %q got %q", tc.want, got)
		}
	}

	for _, bad := range []Money{{Currency: "try", Minor: 1}, {Currency: "TRY", Minor: 0}, {Currency: "TRYX", Minor: 5}} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(ErrVersionConflict) != KindConcurrencyConflict || !Retryable(ErrVersionConflict) {
		t.Fatal("version conflict must be a retryable concurrency conflict")
	}
	if KindOf(ErrDuplicateIdempotencyKey) != KindConcurrencyConflict {
		t.Fatal("duplicate idempotency key is a concurrency conflict")
	}
	if Retryable(ErrAlreadyFinalized) {
		t.Fatal("state conflicts are not retryable")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatal("foreign errors are unknown")
	}
	if got := ErrNotFound.Error(); got != "dispute: not found" {
		t.Fatalf("unexpected message %q", got)
	}
}
