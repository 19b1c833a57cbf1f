package main

import (
	"time"

	"chargeflow/dispute"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type moneyJSON struct {
	Currency string `json:"currency"`
	Minor    int64  `json:"minor"`
	Display  string `json:"display,omitempty"`
}

type createCaseRequest struct {
	CustomerRef    string            `json:"customerRef"`
	TransactionRef string            `json:"transactionRef"`
	Channel        string            `json:"channel"`
	Amount         moneyJSON         `json:"amount"`
	Reason         string            `json:"reason"`
	AdditionalInfo map[string]string `json:"additionalInfo"`
}

type documentRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	UploaderRef string `json:"uploaderRef"`
	Party       string `json:"party"`
	Locator     string `json:"locator"`
	// Content is base64; when set the document is uploaded first.
	Content string `json:"content"`
}

type requestInfoRequest struct {
	Message       string   `json:"message"`
	RequiredTypes []string `json:"requiredTypes"`
}

type forwardRequest struct {
	Notes string `json:"notes"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type stageResponse struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Responsible string `json:"responsible"`
}

type caseSummaryResponse struct {
	ID             string        `json:"id"`
	CustomerRef    string        `json:"customerRef"`
	TransactionRef string        `json:"transactionRef"`
	Channel        string        `json:"channel"`
	Amount         moneyJSON     `json:"amount"`
	Reason         string        `json:"reason"`
	Status         string        `json:"status"`
	Stage          stageResponse `json:"stage"`
	Version        int64         `json:"version"`
	CreatedAt      string        `json:"createdAt"`
	UpdatedAt      string        `json:"updatedAt"`
}

type timelineEventResponse struct {
	ID                string   `json:"id"`
	Seq               int      `json:"seq"`
	Kind              string   `json:"kind"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Party             string   `json:"party"`
	ActorRef          string   `json:"actorRef,omitempty"`
	FromStatus        string   `json:"fromStatus,omitempty"`
	ToStatus          string   `json:"toStatus,omitempty"`
	DocumentID        string   `json:"documentId,omitempty"`
	RequiredDocuments []string `json:"requiredDocuments,omitempty"`
	At                string   `json:"at"`
}

type documentResponse struct {
	ID          string `json:"id"`
	CaseID      string `json:"caseId"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	UploaderRef string `json:"uploaderRef"`
	Locator     string `json:"locator"`
	UploadedAt  string `json:"uploadedAt"`
}

type pendingInfoResponse struct {
	RequiredTypes []string `json:"requiredTypes"`
	Missing       []string `json:"missing"`
	ReturnTo      string   `json:"returnTo"`
	Message       string   `json:"message,omitempty"`
	RequestedBy   string   `json:"requestedBy"`
	RequestedAt   string   `json:"requestedAt"`
}

type resolutionResponse struct {
	Outcome    string `json:"outcome"`
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolvedBy"`
	ResolvedAt string `json:"resolvedAt"`
}

type caseResponse struct {
	caseSummaryResponse
	AdditionalInfo map[string]string       `json:"additionalInfo"`
	PendingInfo    *pendingInfoResponse    `json:"pendingInfo,omitempty"`
	Resolution     *resolutionResponse     `json:"resolution,omitempty"`
	Timeline       []timelineEventResponse `json:"timeline"`
	Documents      []documentResponse      `json:"documents"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toCaseSummary(c dispute.Case) caseSummaryResponse {
	stage, _ := dispute.DeriveStage(c)
	return caseSummaryResponse{
		ID:             c.ID,
		CustomerRef:    c.CustomerRef,
		TransactionRef: c.TransactionRef,
		Channel:        string(c.Channel),
		Amount:         moneyJSON{Currency: c.Amount.Currency, Minor: c.Amount.Minor, Display: c.Amount.String()},
		Reason:         string(c.Reason),
		Status:         string(c.Status),
		Stage:          stageResponse{Key: stage.Key, Label: stage.Label, Responsible: string(stage.Responsible)},
		Version:        c.Version,
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
	}
}

func toCaseResponse(c dispute.Case) caseResponse {
	resp := caseResponse{
		caseSummaryResponse: toCaseSummary(c),
		AdditionalInfo:      c.AdditionalInfo,
		Timeline:            make([]timelineEventResponse, 0, len(c.Timeline)),
		Documents:           make([]documentResponse, 0, len(c.Documents)),
	}
	for _, ev := range c.Timeline {
		resp.Timeline = append(resp.Timeline, timelineEventResponse{
			ID:                ev.ID,
			Seq:               ev.Seq,
			Kind:              string(ev.Kind),
			Title:             ev.Title,
			Description:       ev.Description,
			Party:             string(ev.Party),
			ActorRef:          ev.ActorRef,
			FromStatus:        string(ev.FromStatus),
			ToStatus:          string(ev.ToStatus),
			DocumentID:        ev.DocumentID,
			RequiredDocuments: typeNames(ev.RequiredDocuments),
			At:                formatTime(ev.At),
		})
	}
	for _, d := range c.Documents {
		resp.Documents = append(resp.Documents, toDocumentResponse(d))
	}
	if p := c.PendingInfo; p != nil {
		resp.PendingInfo = &pendingInfoResponse{
			RequiredTypes: typeNames(p.RequiredTypes),
			Missing:       typeNames(c.Evidence().Missing),
			ReturnTo:      string(p.ReturnTo),
			Message:       p.Message,
			RequestedBy:   p.RequestedBy,
			RequestedAt:   formatTime(p.RequestedAt),
		}
	}
	if res := c.Resolution; res != nil {
		resp.Resolution = &resolutionResponse{
			Outcome:    string(res.Outcome),
			Notes:      res.Notes,
			ResolvedBy: res.ResolvedBy,
			ResolvedAt: formatTime(res.ResolvedAt),
		}
	}
	return resp
}

func toDocumentResponse(d dispute.Document) documentResponse {
	return documentResponse{
		ID:          d.ID,
		CaseID:      d.CaseID,
		Type:        string(d.Type),
		Name:        d.Name,
		UploaderRef: d.UploaderRef,
		Locator:     d.Locator,
		UploadedAt:  formatTime(d.UploadedAt),
	}
}

func typeNames(types []dispute.DocumentType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
