package model

import "time"

// Contact is a provider neutral address book entry.
type Contact struct {
	ID          string         `json:"id"`
	ETag        string         `json:"etag,omitempty"`
	GivenName   string         `json:"given_name,omitempty"`
	MiddleName  string         `json:"middle_name,omitempty"`
	FamilyName  string         `json:"family_name,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Nickname    string         `json:"nickname,omitempty"`
	Emails      []ContactEmail `json:"emails,omitempty"`
	Phones      []PhoneNumber  `json:"phones,omitempty"`
	Addresses   []Address      `json:"addresses,omitempty"`
	Company     string         `json:"company,omitempty"`
	JobTitle    string         `json:"job_title,omitempty"`
	Department  string         `json:"department,omitempty"`
	Birthday    *time.Time     `json:"birthday,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	PhotoURL    string         `json:"photo_url,omitempty"`
	Groups      []string       `json:"groups,omitempty"`
}

// ItemID returns the source provider id.
func (c *Contact) ItemID() string { return c.ID }

// ContactEmail is an email address with its label (home/work/other on
// Google, personal/business/other on Microsoft).
type ContactEmail struct {
	Address string `json:"address"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// PhoneNumber is a phone number with its subtype label.
type PhoneNumber struct {
	Number  string `json:"number"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Address is a postal address with its label.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Formatted  string `json:"formatted,omitempty"`
	Type       string `json:"type,omitempty"`
}
