package audit

// VerifyResult reports the outcome of a full chain check over one stream.
type VerifyResult struct {
	AuditID      string `json:"audit_id"`
	Entries      int    `json:"entries"`
	Valid        bool   `json:"valid"`
	FirstInvalid int    `json:"first_invalid"` // index of the first broken entry, -1 when valid
	Reason       string `json:"reason,omitempty"`
}

// Verify recomputes every entry's hash and checks prev_hash linkage across
// the whole stream. An empty stream verifies as valid.
func (l *Log) Verify(auditID string) (VerifyResult, error) {
	entries, err := l.Read(auditID)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{AuditID: auditID, Entries: len(entries), Valid: true, FirstInvalid: -1}
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			res.Valid = false
			res.FirstInvalid = i
			res.Reason = "prev_hash does not match preceding entry"
			return res, nil
		}
		want, err := Rehash(e)
		if err != nil {
			return VerifyResult{}, err
		}
		if e.LogHash != want {
			res.Valid = false
			res.FirstInvalid = i
			res.Reason = "log_hash does not match entry contents"
			return res, nil
		}
		prev = e.LogHash
	}
	return res, nil
}
