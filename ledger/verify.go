package ledger

import (
	"fmt"
	"sort"
)

// LedgerTransaction is a transaction with its inputs resolved to the
// record versions they point at.
type LedgerTransaction struct {
	Tx     *Transaction
	Inputs []StateAndRef
}

// Verify is the validity predicate every signer and every finality
// recipient runs before accepting a transaction. It is total: any
// command kind it does not know is rejected.
func Verify(ltx *LedgerTransaction) error {
	tx := ltx.Tx
	if tx == nil {
		return invalid("", "missing transaction")
	}
	id, err := tx.ID()
	if err != nil {
		return invalid("", err.Error())
	}
	txID := id.String()

	if len(tx.Outputs) != 1 || tx.Outputs[0] == nil {
		return invalid(txID, fmt.Sprintf("expected exactly one output, got %d", len(tx.Outputs)))
	}
	if len(ltx.Inputs) != len(tx.Inputs) {
		return invalid(txID, "inputs were not resolved")
	}
	for i, in := range ltx.Inputs {
		if in.Ref != tx.Inputs[i] || in.Record == nil {
			return invalid(txID, "resolved input does not match reference "+tx.Inputs[i].String())
		}
		if _, err := ParseTxID(in.Ref.TxID); err != nil {
			return invalid(txID, "malformed input reference "+in.Ref.String())
		}
	}
	if hasDuplicateAccounts(tx.Command.Signers) {
		return invalid(txID, "duplicate signer")
	}
	out := tx.Outputs[0]
	if hasDuplicateAccounts(out.Participants) {
		return invalid(txID, "duplicate participant")
	}

	switch tx.Command.Kind {
	case CommandIssue:
		return verifyIssue(txID, ltx, out)
	case CommandTransfer:
		return verifyTransfer(txID, ltx, out)
	case CommandShare:
		return verifyShare(txID, ltx, out)
	default:
		return invalid(txID, fmt.Sprintf("unknown command %q", tx.Command.Kind))
	}
}

func verifyIssue(txID string, ltx *LedgerTransaction, out *Record) error {
	if len(ltx.Inputs) != 0 {
		return invalid(txID, "issue must not consume inputs")
	}
	if out.LinearID == "" {
		return invalid(txID, "missing linear id")
	}
	if !sameAccounts(out.ParticipantIDs(), []string{out.Owner.AccountID}) {
		return invalid(txID, "issued record must be visible only to its owner")
	}
	if !sameAccounts(ltx.Tx.Command.SignerAccounts(), []string{out.Owner.AccountID}) {
		return invalid(txID, "issue must be signed by the owner only")
	}
	return nil
}

func verifyTransfer(txID string, ltx *LedgerTransaction, out *Record) error {
	if len(ltx.Inputs) != 1 {
		return invalid(txID, "transfer must consume exactly one input")
	}
	in := ltx.Inputs[0].Record
	if in.LinearID != out.LinearID {
		return invalid(txID, "linear id changed")
	}
	if in.Payload != out.Payload {
		return invalid(txID, "payload changed")
	}
	if in.Owner.AccountID == out.Owner.AccountID {
		return invalid(txID, "transfer must change the owner")
	}
	var expected []string
	for _, p := range in.Participants {
		if p.AccountID != in.Owner.AccountID && p.AccountID != out.Owner.AccountID {
			expected = append(expected, p.AccountID)
		}
	}
	expected = append(expected, out.Owner.AccountID)
	if !sameAccounts(out.ParticipantIDs(), expected) {
		return invalid(txID, "participants must drop the old owner and add the new one")
	}
	if !sameAccounts(ltx.Tx.Command.SignerAccounts(), []string{in.Owner.AccountID, out.Owner.AccountID}) {
		return invalid(txID, "transfer must be signed by the old and new owner")
	}
	return nil
}

func verifyShare(txID string, ltx *LedgerTransaction, out *Record) error {
	if len(ltx.Inputs) != 1 {
		return invalid(txID, "share must consume exactly one input")
	}
	in := ltx.Inputs[0].Record
	if in.LinearID != out.LinearID {
		return invalid(txID, "linear id changed")
	}
	if in.Payload != out.Payload {
		return invalid(txID, "payload changed")
	}
	if in.Owner.AccountID != out.Owner.AccountID {
		return invalid(txID, "share must not change the owner")
	}
	for _, p := range in.Participants {
		if !out.HasParticipant(p.AccountID) {
			return invalid(txID, "share must not remove participant "+p.AccountID)
		}
	}
	expected := []string{in.Owner.AccountID}
	for _, p := range out.Participants {
		if !in.HasParticipant(p.AccountID) {
			expected = append(expected, p.AccountID)
		}
	}
	if !sameAccounts(ltx.Tx.Command.SignerAccounts(), expected) {
		return invalid(txID, "share must be signed by the owner and every added participant")
	}
	return nil
}

func invalid(txID string, memo string) error {
	return NewError(CodeValidationFailed, "", txID, memo)
}

func hasDuplicateAccounts(parties []Party) bool {
	seen := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		if _, ok := seen[p.AccountID]; ok {
			return true
		}
		seen[p.AccountID] = struct{}{}
	}
	return false
}

// sameAccounts compares two lists of account ids as sets.
func sameAccounts(a, b []string) bool {
	a = dedupe(a)
	b = dedupe(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
