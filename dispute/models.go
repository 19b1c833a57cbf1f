package dispute

import (
	"time"
)

// Status is the closed set of lifecycle states a case can be in.
type Status string

const (
	StatusPendingAtOperator     Status = "pending_at_operator"
	StatusPendingAtBank         Status = "pending_at_bank"
	StatusPendingAdditionalInfo Status = "pending_additional_info"
	StatusApproved              Status = "approved"
	StatusRejected              Status = "rejected"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingAtOperator,
	StatusPendingAtBank,
	StatusPendingAdditionalInfo,
	StatusApproved,
	StatusRejected,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingAtOperator, StatusPendingAtBank, StatusPendingAdditionalInfo, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Channel is where the disputed transaction originated.
type Channel string

const (
	ChannelPOS Channel = "POS"
	ChannelATM Channel = "ATM"
)

// AllChannels lists every supported channel.
var AllChannels = []Channel{ChannelPOS, ChannelATM}

func (c Channel) Valid() bool {
	return c == ChannelPOS || c == ChannelATM
}

// Party identifies who is responsible for the next step or for an event.
type Party string

const (
	PartyOperator Party = "operator"
	PartyBank     Party = "bank"
	PartyCustomer Party = "customer"
)

// EventKind tags a timeline event.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventStatusChanged EventKind = "status_changed"
	EventInfoRequested EventKind = "info_requested"
	EventDocumentAdded EventKind = "document_added"
	EventApproved      EventKind = "approved"
	EventRejected      EventKind = "rejected"
)

// DocumentType is the declared kind of evidence attached to a case.
type DocumentType string

const (
	DocumentReceipt         DocumentType = "receipt"
	DocumentStatement       DocumentType = "statement"
	DocumentCommunication   DocumentType = "communication"
	DocumentProductEvidence DocumentType = "product_evidence"
	DocumentOther           DocumentType = "other"
)

func (t DocumentType) Valid() bool {
	switch t {
	case DocumentReceipt, DocumentStatement, DocumentCommunication, DocumentProductEvidence, DocumentOther:
		return true
	default:
		return false
	}
}

// Case is the dispute aggregate. Values returned by the store and the
// service are copies; mutating them has no effect on persisted state.
type Case struct {
	ID             string
	CustomerRef    string
	TransactionRef string
	Channel        Channel
	Amount         Money
	Reason         ReasonCode
	Status         Status
	AdditionalInfo map[string]string
	PendingInfo    *InfoRequest
	Resolution     *Resolution
	Timeline       []TimelineEvent
	Documents      []Document
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InfoRequest records an outstanding request for customer evidence.
type InfoRequest struct {
	RequiredTypes []DocumentType
	ReturnTo      Status
	Message       string
	RequestedBy   string
	RequestedAt   time.Time
	// DocumentsBefore is len(Documents) when the request was made; only
	// documents appended after that index satisfy it.
	DocumentsBefore int
}

// Resolution is the terminal outcome of a case.
type Resolution struct {
	Outcome    Status
	Notes      string
	ResolvedBy string
	ResolvedAt time.Time
}

// TimelineEvent is an immutable audit entry owned by its case.
type TimelineEvent struct {
	ID                string
	Seq               int
	Kind              EventKind
	Title             string
	Description       string
	Party             Party
	ActorRef          string
	FromStatus        Status
	ToStatus          Status
	DocumentID        string
	RequiredDocuments []DocumentType
	At                time.Time
}

// Document is the metadata of a piece of evidence. Content lives with the
// storage collaborator; only its locator is kept here.
type Document struct {
	ID          string
	CaseID      string
	Type        DocumentType
	Name        string
	UploaderRef string
	Locator     string
	UploadedAt  time.Time
}

// Clone returns a deep copy of the case.
func (c Case) Clone() Case {
	out := c
	if c.AdditionalInfo != nil {
		out.AdditionalInfo = make(map[string]string, len(c.AdditionalInfo))
		for k, v := range c.AdditionalInfo {
			out.AdditionalInfo[k] = v
		}
	}
	if c.PendingInfo != nil {
		info := *c.PendingInfo
		info.RequiredTypes = append([]DocumentType(nil), c.PendingInfo.RequiredTypes...)
		out.PendingInfo = &info
	}
	if c.Resolution != nil {
		res := *c.Resolution
		out.Resolution = &res
	}
	out.Timeline = make([]TimelineEvent, len(c.Timeline))
	for i, ev := range c.Timeline {
		ev.RequiredDocuments = append([]DocumentType(nil), ev.RequiredDocuments...)
		out.Timeline[i] = ev
	}
	out.Documents = append([]Document(nil), c.Documents...)
	return out
}

// LastEvent returns the most recent timeline event, if any.
func (c Case) LastEvent() (TimelineEvent, bool) {
	if len(c.Timeline) == 0 {
		return TimelineEvent{}, false
	}
	return c.Timeline[len(c.Timeline)-1], true
}

// Document looks up an attached document by id.
func (c Case) Document(id string) (Document, bool) {
	for _, d := range c.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return Document{}, false
}

// Evidence summarises which requested document types have been supplied
// since the outstanding info request was made.
func (c Case) Evidence() Evidence {
	if c.PendingInfo == nil {
		return Evidence{}
	}
	supplied := make(map[DocumentType]bool)
	from := c.PendingInfo.DocumentsBefore
	if from > len(c.Documents) {
		from = len(c.Documents)
	}
	for _, d := range c.Documents[from:] {
		supplied[d.Type] = true
	}
	ev := Evidence{
		Requested: append([]DocumentType(nil), c.PendingInfo.RequiredTypes...),
		ReturnTo:  c.PendingInfo.ReturnTo,
	}
	for _, t := range c.PendingInfo.RequiredTypes {
		if !supplied[t] {
			ev.Missing = append(ev.Missing, t)
		}
	}
	return ev
}
