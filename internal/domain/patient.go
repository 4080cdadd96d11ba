package domain

import "time"

// Patient is a clinic's patient chart header.
type Patient struct {
	Entity
	MRN        string    `json:"mrn"`
	GivenName  string    `json:"given_name"`
	FamilyName string    `json:"family_name"`
	BirthDate  time.Time `json:"birth_date"`
	Sex        string    `json:"sex"`
}
