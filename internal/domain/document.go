package domain

import "time"

// DocumentType is the closed set of regulatory document types.
type DocumentType string

const (
	DocumentTypeRegulation   DocumentType = "regulation"
	DocumentTypeGuidance     DocumentType = "guidance"
	DocumentTypeEnforcement  DocumentType = "enforcement"
	DocumentTypeProposal     DocumentType = "proposal"
	DocumentTypeAnnouncement DocumentType = "announcement"
)

// RegulatoryDocument is uniquely identified by (SourceID, ExternalID).
// Invariant: (SourceID, ExternalID) is never reassigned once inserted;
// Fingerprint is stable once set.
type RegulatoryDocument struct {
	ID               string
	SourceID         string
	ExternalID       string
	Title            string
	DocumentType     DocumentType
	Status           string
	PublicationTime  time.Time
	Summary          string
	FullText         string
	URL              string
	Topics           []string
	Keywords         []string
	ContentFingerprint string
	ComplianceDeadline *time.Time
}

// DedupKey returns the (source_id, external_id) identity used for the
// poller's insert-if-absent dedup (§4.1, P1).
func (d *RegulatoryDocument) DedupKey() string {
	return d.SourceID + "::" + d.ExternalID
}
