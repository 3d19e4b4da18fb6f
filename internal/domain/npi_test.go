package domain

import "testing"

func TestValidNPI(t *testing.T) {
	cases := []struct {
		npi  string
		want bool
	}{
		{"1234567893", true}, // used throughout spec §8 scenarios
		{"1234567890", false},
		{"123456789", false},   // too short
		{"12345678901", false}, // too long
		{"123456789a", false},  // non-digit
	}

	for _, tc := range cases {
		if got := ValidNPI(tc.npi); got != tc.want {
			t.Errorf("ValidNPI(%q) = %v, want %v", tc.npi, got, tc.want)
		}
	}
}

func TestOrganizationTypeIsValid(t *testing.T) {
	for _, typ := range []OrganizationType{OrgTypePractice, OrgTypeHospital, OrgTypeClinic, OrgTypePharmacy, OrgTypeLab, OrgTypeImaging, OrgTypeOther} {
		if !typ.IsValid() {
			t.Errorf("expected %q to be valid", typ)
		}
	}
	if OrganizationType("nonsense").IsValid() {
		t.Error("expected nonsense type to be invalid")
	}
}
