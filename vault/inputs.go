package vault

import (
	"context"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
)

// NewMemory is a Vault that lives only as long as the process.
func NewMemory() *Store {
	ds := storage.NewDefaultMemory()
	bs, err := storage.NewBlockstore(storage.NewDefaultMemory(), -1)
	if err != nil {
		panic(err) // an uncached blockstore never errors
	}
	return New(ds, bs)
}

// ResolveInputs loads the record versions tx consumes from v.
func ResolveInputs(ctx context.Context, v Vault, tx *ledger.Transaction) ([]ledger.StateAndRef, error) {
	resolved := make([]ledger.StateAndRef, len(tx.Inputs))
	for i, ref := range tx.Inputs {
		rec, err := v.State(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved[i] = ledger.StateAndRef{Ref: ref, Record: rec}
	}
	return resolved, nil
}

// Dependencies returns the recorded transactions that produced the inputs
// of tx, which is what a counterparty needs to verify it.
func Dependencies(ctx context.Context, v Vault, tx *ledger.Transaction) ([]*ledger.SignedTransaction, error) {
	seen := make(map[string]struct{})
	var deps []*ledger.SignedTransaction
	for _, ref := range tx.Inputs {
		if _, ok := seen[ref.TxID]; ok {
			continue
		}
		seen[ref.TxID] = struct{}{}
		id, err := ledger.ParseTxID(ref.TxID)
		if err != nil {
			return nil, err
		}
		dep, err := v.Transaction(ctx, id)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// InputsFromDependencies resolves the inputs of tx against dependency
// transactions supplied by a counterparty rather than a local vault.
func InputsFromDependencies(tx *ledger.Transaction, deps []*ledger.SignedTransaction) ([]ledger.StateAndRef, error) {
	byID := make(map[string]*ledger.SignedTransaction, len(deps))
	for _, dep := range deps {
		id, err := dep.ID()
		if err != nil {
			return nil, err
		}
		byID[id.String()] = dep
	}
	resolved := make([]ledger.StateAndRef, len(tx.Inputs))
	for i, ref := range tx.Inputs {
		dep, ok := byID[ref.TxID]
		if !ok {
			return nil, ledger.NewError(ledger.CodeValidationFailed, "", ref.String(), "missing dependency")
		}
		if ref.Index < 0 || ref.Index >= len(dep.Tx.Outputs) {
			return nil, ledger.NewError(ledger.CodeValidationFailed, "", ref.String(), "no such output")
		}
		resolved[i] = ledger.StateAndRef{Ref: ref, Record: dep.Tx.Outputs[ref.Index]}
	}
	return resolved, nil
}
