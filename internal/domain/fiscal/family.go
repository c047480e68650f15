package fiscal

import (
	"fmt"

	"github.com/erp/fiscalsync/internal/domain/shared"
)

// Family is the fiscal document type code of a document family
type Family string

const (
	// FamilyInvoice is the electronic sales invoice family
	FamilyInvoice Family = "01"
	// FamilyCreditNote is the credit note family
	FamilyCreditNote Family = "91"
	// FamilyDebitNote is the debit note family
	FamilyDebitNote Family = "92"
)

var familyInfo = map[Family]struct {
	table string
	label string
}{
	FamilyInvoice:    {table: "invoice_lots", label: "invoice"},
	FamilyCreditNote: {table: "credit_note_lots", label: "credit_note"},
	FamilyDebitNote:  {table: "debit_note_lots", label: "debit_note"},
}

// Families returns every known family in sweep order
func Families() []Family {
	return []Family{FamilyInvoice, FamilyCreditNote, FamilyDebitNote}
}

// ParseFamily validates a family code. Unknown codes return ErrUnknownFamily.
func ParseFamily(code string) (Family, error) {
	f := Family(code)
	if !f.Valid() {
		return "", shared.NewDomainError(ErrUnknownFamily.Code, fmt.Sprintf("unknown document family %q", code))
	}
	return f, nil
}

// Valid reports whether f is one of the known families
func (f Family) Valid() bool {
	_, ok := familyInfo[f]
	return ok
}

// Table returns the lot table backing f
func (f Family) Table() string {
	return familyInfo[f].table
}

// Label returns a readable name, used in logs and metrics
func (f Family) Label() string {
	if info, ok := familyInfo[f]; ok {
		return info.label
	}
	return "unknown"
}

func (f Family) String() string {
	return string(f)
}
