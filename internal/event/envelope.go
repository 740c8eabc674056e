package event

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"PerpSettle/internal/ledger"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSignerAdded
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeTransfer
	EventTypeCrossLedgerTransfer
	EventTypeMatch
	EventTypeFundingUpdate
	EventTypeLiquidation
	EventTypeVaultRegistered
	EventTypeStake
	EventTypeUnstake
	EventTypeCoverLoss
	EventTypeInsuranceDeposit
	EventTypeInsuranceWithdraw
	EventTypeFeeClaim
	EventTypeSupplyCapSet
	EventTypeSubaccountStatus
)

var eventTypeNames = map[EventType]string{
	EventTypeSignerAdded:         "SignerAdded",
	EventTypeDeposit:             "Deposit",
	EventTypeWithdrawal:          "Withdrawal",
	EventTypeTransfer:            "Transfer",
	EventTypeCrossLedgerTransfer: "CrossLedgerTransfer",
	EventTypeMatch:               "Match",
	EventTypeFundingUpdate:       "FundingUpdate",
	EventTypeLiquidation:         "Liquidation",
	EventTypeVaultRegistered:     "VaultRegistered",
	EventTypeStake:               "Stake",
	EventTypeUnstake:             "Unstake",
	EventTypeCoverLoss:           "CoverLoss",
	EventTypeInsuranceDeposit:    "InsuranceDeposit",
	EventTypeInsuranceWithdraw:   "InsuranceWithdraw",
	EventTypeFeeClaim:            "FeeClaim",
	EventTypeSupplyCapSet:        "SupplyCapSet",
	EventTypeSubaccountStatus:    "SubaccountStatus",
}

func (et EventType) String() string {
	if n, ok := eventTypeNames[et]; ok {
		return n
	}
	return "Unknown"
}

// Status is the outcome of the operation that produced an event.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusFailure {
		return "failure"
	}
	return "success"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "success":
		*s = StatusSuccess
	case "failure":
		*s = StatusFailure
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Result is embedded in every event. Reason carries the wrapped error text of
// a soft failure.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (r Result) Outcome() Result { return r }

// SetOutcome overwrites the result once the operation has finished.
func (r *Result) SetOutcome(o Result) { *r = o }

func Success() Result { return Result{Status: StatusSuccess} }

func Failure(err error) Result {
	return Result{Status: StatusFailure, Reason: err.Error()}
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *ledger.MarketID

	// Outcome reports success or failure
	Outcome() Result
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Deterministic id derived from (CommandSeq, Index)
	EventID uuid.UUID

	// Command that produced the event
	CommandSeq int64

	// Position within the command's event list
	Index int

	// Sequencing counter value of the originating record; nil for admin calls
	RecordSeq *uint32

	EventType EventType
	MarketID  *ledger.MarketID
	Status    Status

	// JSON-encoded event-specific data
	Payload []byte
}

var eventNamespace = uuid.MustParse("6f1f7a52-3c0e-5b8e-9a57-5d1b0c2e8a11")

// EventID returns the deterministic id of the index-th event of a command.
func EventID(commandSeq int64, index int) uuid.UUID {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(commandSeq))
	binary.BigEndian.PutUint64(b[8:], uint64(index))
	return uuid.NewSHA1(eventNamespace, b[:])
}

// Wrap builds the envelope for evt.
func Wrap(commandSeq int64, index int, recordSeq *uint32, evt Event) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		EventID:    EventID(commandSeq, index),
		CommandSeq: commandSeq,
		Index:      index,
		RecordSeq:  recordSeq,
		EventType:  evt.EventType(),
		MarketID:   evt.MarketID(),
		Status:     evt.Outcome().Status,
		Payload:    payload,
	}, nil
}
