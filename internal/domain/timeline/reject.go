package timeline

import (
	"errors"
	"fmt"
	"math"
)

// Data-quality errors. A record failing any of these rejects its whole
// patient group.
var (
	ErrMalformedRecord    = errors.New("malformed dispensing record")
	ErrUnsortableDate     = errors.New("issue date is missing")
	ErrNegativeQuantity   = errors.New("negative quantity")
	ErrInvalidStrength    = errors.New("strength amount is not a finite number")
	ErrNegativeDuration   = errors.New("explicit supply duration is negative")
	ErrMissingPatientID   = errors.New("patient id is empty")
	ErrMissingGenericDrug = errors.New("generic drug is empty")
)

// Reject describes a patient group that was excluded for structural
// reasons. RecordIndex is the ingestion position of the offending record.
type Reject struct {
	PatientID   string `json:"patient_id"`
	RecordIndex int    `json:"record_index"`
	Reason      string `json:"reason"`
	Err         error  `json:"-"`
}

func (r Reject) Error() string {
	return fmt.Sprintf("patient %s record %d: %s", r.PatientID, r.RecordIndex, r.Reason)
}

func (r Reject) Unwrap() error { return r.Err }

// validateRecord checks a single record for structural problems.
func validateRecord(r DispensingRecord) error {
	switch {
	case r.PatientID == "":
		return ErrMissingPatientID
	case r.GenericDrug == "":
		return ErrMissingGenericDrug
	case r.IssueDate.IsZero():
		return ErrUnsortableDate
	case math.IsNaN(r.StrengthAmount) || math.IsInf(r.StrengthAmount, 0):
		return ErrInvalidStrength
	case r.StrengthAmount < 0:
		return fmt.Errorf("%w: strength %v", ErrNegativeQuantity, r.StrengthAmount)
	case math.IsNaN(r.PackSize) || math.IsNaN(r.NumPacks):
		return fmt.Errorf("%w: pack size or count is NaN", ErrMalformedRecord)
	case r.PackSize < 0:
		return fmt.Errorf("%w: pack size %v", ErrNegativeQuantity, r.PackSize)
	case r.NumPacks < 0:
		return fmt.Errorf("%w: num packs %v", ErrNegativeQuantity, r.NumPacks)
	case r.SupplyDuration != nil && *r.SupplyDuration < 0:
		return ErrNegativeDuration
	}
	return nil
}
