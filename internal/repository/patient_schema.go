package repository

import (
	"github.com/aryan0dhankhar/clinicore/internal/domain"
)

// PatientSchema maps domain.Patient onto the patients table
func PatientSchema() Schema[*domain.Patient] {
	return Schema[*domain.Patient]{
		Table:      "patients",
		EntityType: "patient",
		Columns:    []string{"mrn", "given_name", "family_name", "birth_date", "sex"},
		New:        func() *domain.Patient { return &domain.Patient{} },
		Values: func(p *domain.Patient) []any {
			return []any{p.MRN, p.GivenName, p.FamilyName, NullableTimeValue(p.BirthDate), p.Sex}
		},
		Targets: func(p *domain.Patient) []any {
			return []any{&p.MRN, &p.GivenName, &p.FamilyName, NullableTime(&p.BirthDate), &p.Sex}
		},
	}
}
