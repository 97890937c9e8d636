package template

// Built-in schemas for the identity documents the service recognizes
// out of the box. A YAML template directory may replace or extend
// these at startup.

const (
	DocTypePassport       = "passport"
	DocTypeDrivingLicense = "driving_license"
	DocTypeAadhaarCard    = "aadhaar_card"
	DocTypeEmiratesID     = "emirates_id"
	DocTypeOther          = "other"
)

func builtinTemplates() []Template {
	return []Template{
		{
			DocType: DocTypePassport,
			Fields: []FieldDef{
				{Name: "surname", Labels: []string{"Surname", "Last Name"}},
				{Name: "given_names", Labels: []string{"Given Names", "Given Name", "First Name"}},
				{Name: "full_name", Labels: []string{"Full Name", "Name"}},
				{Name: "passport_number", Labels: []string{"Passport No", "Passport Number", "Document No"}, Pattern: `^[A-Z0-9][A-Z0-9 -]{4,14}$`},
				{Name: "nationality", Labels: []string{"Nationality"}},
				{Name: "issuing_country", Labels: []string{"Issuing Country", "Country Code", "Code"}},
				{Name: "gender", Labels: []string{"Sex", "Gender"}},
				{Name: "date_of_birth", Labels: []string{"Date of Birth", "DOB", "Birth Date"}, Date: true},
				{Name: "place_of_birth", Labels: []string{"Place of Birth"}},
				{Name: "date_of_issue", Labels: []string{"Date of Issue", "Issue Date", "Issued On"}, Date: true},
				{Name: "expiry_date", Labels: []string{"Date of Expiry", "Expiry Date", "Valid Until"}, Date: true},
				{Name: "issuing_authority", Labels: []string{"Authority", "Issuing Authority"}},
				{Name: "mrz", Labels: []string{"MRZ"}},
			},
		},
		{
			DocType: DocTypeDrivingLicense,
			Fields: []FieldDef{
				{Name: "full_name", Labels: []string{"Name", "Full Name", "Holder Name"}},
				{Name: "license_number", Labels: []string{"License No", "Licence No", "License Number", "DL No"}},
				{Name: "nationality", Labels: []string{"Nationality"}},
				{Name: "gender", Labels: []string{"Sex", "Gender"}},
				{Name: "date_of_birth", Labels: []string{"Date of Birth", "DOB", "Birth Date"}, Date: true},
				{Name: "address", Labels: []string{"Address"}},
				{Name: "date_of_issue", Labels: []string{"Date of Issue", "Issue Date", "Issued On"}, Date: true},
				{Name: "expiry_date", Labels: []string{"Expiry Date", "Valid Until", "Expires"}, Date: true},
				{Name: "vehicle_classes", Labels: []string{"Vehicle Classes", "Class", "Categories"}},
				{Name: "conditions", Labels: []string{"Conditions", "Restrictions"}},
				{Name: "agency_code", Labels: []string{"Agency Code"}},
				{Name: "serial_number", Labels: []string{"Serial No", "Serial Number"}},
			},
		},
		{
			DocType: DocTypeAadhaarCard,
			Fields: []FieldDef{
				{Name: "full_name", Labels: []string{"Name", "Full Name"}},
				{Name: "date_of_birth", Labels: []string{"Date of Birth", "DOB", "Year of Birth"}, Date: true},
				{Name: "gender", Labels: []string{"Gender", "Sex"}},
				{Name: "aadhaar_number", Labels: []string{"Aadhaar No", "Aadhaar Number", "UID"}, Pattern: `^[0-9]{4}[ -]?[0-9]{4}[ -]?[0-9]{4}$`},
				{Name: "virtual_id", Labels: []string{"VID", "Virtual ID"}},
				{Name: "address", Labels: []string{"Address"}},
			},
		},
		{
			DocType: DocTypeEmiratesID,
			Fields: []FieldDef{
				{Name: "full_name", Labels: []string{"Name", "Full Name"}},
				{Name: "id_number", Labels: []string{"ID Number", "ID No", "Identity No"}, Pattern: `^[0-9]{3}-?[0-9]{4}-?[0-9]{7}-?[0-9]$`},
				{Name: "nationality", Labels: []string{"Nationality"}},
				{Name: "address", Labels: []string{"Address"}},
				{Name: "date_of_birth", Labels: []string{"Date of Birth", "DOB"}, Date: true},
				{Name: "expiry_date", Labels: []string{"Expiry Date", "Valid Until"}, Date: true},
			},
		},
		{
			DocType: DocTypeOther,
			Fields: []FieldDef{
				{Name: "document_title", Labels: []string{"Title", "Document Title"}},
				{Name: "full_name", Labels: []string{"Name", "Full Name"}},
				{Name: "id_number", Labels: []string{"ID Number", "ID No", "No"}},
				{Name: "address", Labels: []string{"Address"}},
				{Name: "organization", Labels: []string{"Organization", "Organisation", "Company"}},
				{Name: "date_of_issue", Labels: []string{"Date of Issue", "Issue Date", "Issued On"}, Date: true},
				{Name: "expiry_date", Labels: []string{"Expiry Date", "Valid Until", "Expires"}, Date: true},
				{Name: "date_of_birth", Labels: []string{"Date of Birth", "DOB"}, Date: true},
			},
		},
	}
}
