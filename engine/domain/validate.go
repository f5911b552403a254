package domain

import "strings"

// ValidateClaim checks a claim at ingestion. Malformed part entries are
// rejected here, not at query time.
func ValidateClaim(c *Claim) error {
	if strings.TrimSpace(c.ClaimID) == "" {
		return NewValidationError("claim_id", c.ClaimID, ErrEmptyClaimID)
	}
	if strings.TrimSpace(c.SymptomText) == "" {
		return NewValidationError("symptom_text", "", ErrEmptySymptom)
	}
	if err := ValidatePartDict(c.Parts); err != nil {
		return err
	}
	if err := validateEmbedding("symptom_embedding", c.SymptomEmbedding); err != nil {
		return err
	}
	return validateEmbedding("defect_embedding", c.DefectEmbedding)
}

// ValidatePartDict checks a part consumption list: non-empty, no blank part
// numbers, quantities >= 1.
func ValidatePartDict(d PartDict) error {
	if len(d) == 0 {
		return NewValidationError("parts", "", ErrEmptyPartDict)
	}
	for _, line := range d {
		if strings.TrimSpace(line.PartNumber) == "" {
			return NewValidationError("parts.part_number", line.PartNumber, ErrEmptyPartNumber)
		}
		if line.Quantity < 1 {
			return NewValidationError("parts.quantity", line.PartNumber, ErrInvalidQuantity)
		}
	}
	return nil
}

// validateEmbedding accepts nil (absent) or an EmbeddingDim-length vector.
func validateEmbedding(field string, v []float32) error {
	if v == nil || len(v) == EmbeddingDim {
		return nil
	}
	return NewValidationError(field, "", ErrBadEmbeddingSize)
}
