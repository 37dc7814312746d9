package server

import (
	"reportline/internal/async"
	"reportline/internal/domain"
)

type CreateReportRequest struct {
	ID            *string  `json:"id,omitempty"`
	Title         string   `json:"title"`
	Body          *string  `json:"body,omitempty"`
	Status        *string  `json:"status,omitempty" enum:"draft,active"`
	Collaborators []string `json:"collaborators,omitempty"`
}

type UpdateReportRequest struct {
	Title           *string   `json:"title,omitempty"`
	Body            *string   `json:"body,omitempty"`
	Status          *string   `json:"status,omitempty" enum:"draft,active,archived"`
	Collaborators   *[]string `json:"collaborators,omitempty"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"`
}

type ArchiveReportRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type UploadArtifactRequest struct {
	SizeBytes int64 `json:"size_bytes" minimum:"1"`
}

type ReportResponse struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"owner_id"`
	Title          string   `json:"title"`
	Body           string   `json:"body,omitempty"`
	Status         string   `json:"status"`
	Collaborators  []string `json:"collaborators,omitempty"`
	Editors        []string `json:"editors,omitempty"`
	Version        int64    `json:"version"`
	SizeBytes      int64    `json:"size_bytes"`
	CreatedAt      string   `json:"created_at"`
	LastModifiedBy string   `json:"last_modified_by,omitempty"`
	LastModifiedAt string   `json:"last_modified_at,omitempty"`
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Title:          r.Title,
		Body:           r.Body,
		Status:         r.Status,
		Collaborators:  r.Collaborators,
		Editors:        r.Editors,
		Version:        r.Version,
		SizeBytes:      r.SizeBytes,
		CreatedAt:      r.CreatedAt,
		LastModifiedBy: r.LastModifiedBy,
		LastModifiedAt: r.LastModifiedAt,
	}
}

func mapReports(items []domain.Report) []ReportResponse {
	out := make([]ReportResponse, 0, len(items))
	for _, r := range items {
		out = append(out, reportResponse(r))
	}
	return out
}

type BreakerResponse struct {
	Kind          string `json:"kind"`
	State         string `json:"state" enum:"closed,open,half_open"`
	FailureCount  int    `json:"failure_count"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
}

func breakerResponse(s async.BreakerStatus) BreakerResponse {
	return BreakerResponse{
		Kind:          s.Kind,
		State:         s.State,
		FailureCount:  s.FailureCount,
		LastFailureAt: s.LastFailureAt,
	}
}

type DeadLetterResponse struct {
	ID            string `json:"id"`
	OperationKind string `json:"operation_kind"`
	CorrelationID string `json:"correlation_id"`
	Context       string `json:"context,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
	CreatedAt     string `json:"created_at"`
}

func deadLetterResponse(d domain.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:            d.ID,
		OperationKind: d.OperationKind,
		CorrelationID: d.CorrelationID,
		Context:       d.ContextJSON,
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
	}
}

type AuditEntryResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Before       string `json:"before,omitempty"`
	After        string `json:"after,omitempty"`
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:           e.ID,
		TS:           e.TS,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       e.BeforeJSON,
		After:        e.AfterJSON,
	}
}
